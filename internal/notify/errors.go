package notify

import "shmcall/internal/fault"

func errVector(v Vector) error {
	return fault.New(fault.ProtocolViolation, "notify.ring", "vector %d outside [0,%d)", v, NumVectors)
}
