// Package world implements the deterministic single-writer world kernel:
// flat state tables, a pending action queue, and an append-only event journal
// where every submitted action commits exactly one event (rejections
// included).
package world

import (
	"fmt"
	"math"
)

// WorldTime is a logical clock; it advances by one per applied event.
type WorldTime uint64

// GeoPos is a 3D position in integer centimeters.
type GeoPos struct {
	XCm int64 `json:"x_cm" cbor:"x_cm"`
	YCm int64 `json:"y_cm" cbor:"y_cm"`
	ZCm int64 `json:"z_cm" cbor:"z_cm"`
}

// DistanceCm returns the Euclidean distance between two positions, rounded to
// the nearest centimeter.
func DistanceCm(a, b GeoPos) int64 {
	dx := float64(a.XCm - b.XCm)
	dy := float64(a.YCm - b.YCm)
	dz := float64(a.ZCm - b.ZCm)
	return int64(math.Round(math.Sqrt(dx*dx + dy*dy + dz*dz)))
}

// MoveElectricityCost charges per started kilometer.
func MoveElectricityCost(distanceCm int64, costPerKm int64) int64 {
	if distanceCm <= 0 {
		return 0
	}
	const cmPerKm = 100_000
	km := (distanceCm + cmPerKm - 1) / cmPerKm
	return km * costPerKm
}

// ChunkCoord addresses a cubic spatial chunk.
type ChunkCoord struct {
	X int64 `json:"x" cbor:"x"`
	Y int64 `json:"y" cbor:"y"`
	Z int64 `json:"z" cbor:"z"`
}

// ChunkOf maps a position to its chunk for the given chunk edge length.
func ChunkOf(pos GeoPos, chunkSizeCm int64) ChunkCoord {
	if chunkSizeCm <= 0 {
		chunkSizeCm = 1
	}
	return ChunkCoord{
		X: floorDiv(pos.XCm, chunkSizeCm),
		Y: floorDiv(pos.YCm, chunkSizeCm),
		Z: floorDiv(pos.ZCm, chunkSizeCm),
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ResourceKind is the closed set of fungible resources.
type ResourceKind string

const (
	ResourceElectricity ResourceKind = "electricity"
	ResourceHardware    ResourceKind = "hardware"
	ResourceData        ResourceKind = "data"
)

var knownResourceKinds = map[ResourceKind]struct{}{
	ResourceElectricity: {},
	ResourceHardware:    {},
	ResourceData:        {},
}

func IsKnownResourceKind(k ResourceKind) bool {
	_, ok := knownResourceKinds[k]
	return ok
}

// Owner variants for resource balances.
const (
	OwnerAgent    = "agent"
	OwnerLocation = "location"
	OwnerPool     = "pool"
	OwnerSystem   = "system"
)

// ResourceOwner identifies a balance holder. System owners carry no id.
type ResourceOwner struct {
	Type string `json:"type" cbor:"type"`
	ID   string `json:"id,omitempty" cbor:"id,omitempty"`
}

func AgentOwner(id string) ResourceOwner    { return ResourceOwner{Type: OwnerAgent, ID: id} }
func LocationOwner(id string) ResourceOwner { return ResourceOwner{Type: OwnerLocation, ID: id} }
func PoolOwner(id string) ResourceOwner     { return ResourceOwner{Type: OwnerPool, ID: id} }
func SystemOwner() ResourceOwner            { return ResourceOwner{Type: OwnerSystem} }

func (o ResourceOwner) Valid() bool {
	switch o.Type {
	case OwnerAgent, OwnerLocation, OwnerPool:
		return o.ID != ""
	case OwnerSystem:
		return o.ID == ""
	default:
		return false
	}
}

func (o ResourceOwner) String() string {
	if o.Type == OwnerSystem {
		return OwnerSystem
	}
	return fmt.Sprintf("%s:%s", o.Type, o.ID)
}

// PowerReservePool holds the protocol electricity reserve backing credit
// redemption.
const PowerReservePool = "power_reserve"

// LocationProfile is static metadata attached to a location.
type LocationProfile struct {
	Capacity int64    `json:"capacity" cbor:"capacity"`
	Tags     []string `json:"tags,omitempty" cbor:"tags,omitempty"`
}

// Observation is the result of a QueryObservation action: everything visible
// to an agent within its visibility range, nearest first.
type Observation struct {
	Time             WorldTime          `json:"time" cbor:"time"`
	AgentID          string             `json:"agent_id" cbor:"agent_id"`
	Pos              GeoPos             `json:"pos" cbor:"pos"`
	VisibilityCm     int64              `json:"visibility_range_cm" cbor:"visibility_range_cm"`
	VisibleAgents    []ObservedAgent    `json:"visible_agents" cbor:"visible_agents"`
	VisibleLocations []ObservedLocation `json:"visible_locations" cbor:"visible_locations"`
}

type ObservedAgent struct {
	AgentID    string `json:"agent_id" cbor:"agent_id"`
	LocationID string `json:"location_id" cbor:"location_id"`
	Pos        GeoPos `json:"pos" cbor:"pos"`
	DistanceCm int64  `json:"distance_cm" cbor:"distance_cm"`
}

type ObservedLocation struct {
	LocationID string          `json:"location_id" cbor:"location_id"`
	Name       string          `json:"name" cbor:"name"`
	Pos        GeoPos          `json:"pos" cbor:"pos"`
	Profile    LocationProfile `json:"profile" cbor:"profile"`
	DistanceCm int64           `json:"distance_cm" cbor:"distance_cm"`
}
