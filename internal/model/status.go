package model

import "fmt"

// PeerStatus is the observable connectivity status of a remote uvn/cell/
// particle as seen by the local agent.
type PeerStatus uint8

const (
	PeerStatusDeclared PeerStatus = iota
	PeerStatusOnline
	PeerStatusOffline
)

func (s PeerStatus) String() string {
	switch s {
	case PeerStatusDeclared:
		return "declared"
	case PeerStatusOnline:
		return "online"
	case PeerStatusOffline:
		return "offline"
	default:
		return fmt.Sprintf("PeerStatus(%d)", uint8(s))
	}
}

func (s PeerStatus) MarshalJSON() ([]byte, error) {
	return marshalStringer(s)
}

// DeploymentStrategy names one of the five topology planner strategies.
type DeploymentStrategy uint8

const (
	StrategyFullMesh DeploymentStrategy = iota
	StrategyCircular
	StrategyCrossed
	StrategyRandom
	StrategyStatic
)

func (s DeploymentStrategy) String() string {
	switch s {
	case StrategyFullMesh:
		return "full-mesh"
	case StrategyCircular:
		return "circular"
	case StrategyCrossed:
		return "crossed"
	case StrategyRandom:
		return "random"
	case StrategyStatic:
		return "static"
	default:
		return fmt.Sprintf("DeploymentStrategy(%d)", uint8(s))
	}
}

func (s DeploymentStrategy) MarshalJSON() ([]byte, error) {
	return marshalStringer(s)
}

// KeyType distinguishes the three kinds of identities a key id can name.
type KeyType uint8

const (
	KeyTypeRoot KeyType = iota
	KeyTypeCell
	KeyTypeParticle
)

func (t KeyType) String() string {
	switch t {
	case KeyTypeRoot:
		return "root"
	case KeyTypeCell:
		return "cell"
	case KeyTypeParticle:
		return "particle"
	default:
		return fmt.Sprintf("KeyType(%d)", uint8(t))
	}
}

func (t KeyType) MarshalJSON() ([]byte, error) {
	return marshalStringer(t)
}

func marshalStringer(s fmt.Stringer) ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}
