package devices

import (
	"math"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tessarix/radhal/internal/logging"
)

// defaultThermalLimitC is the tube housing temperature above which the
// thermal_normal interlock opens.
const defaultThermalLimitC = 55.0

// RoomSensors models the exam-room safety inputs: door contact, emergency
// stop chain and tube housing temperature. Setters exist for simulation and
// tests; real installations feed these from digital inputs.
type RoomSensors struct {
	logger zerolog.Logger

	doorClosed    atomic.Bool
	emergencyStop atomic.Bool
	tempBits      atomic.Uint64
	thermalLimitC float64
}

// NewRoomSensors builds sensors in the safe initial state: door closed,
// emergency stop clear, housing at 20 °C.
func NewRoomSensors(logger zerolog.Logger) *RoomSensors {
	r := &RoomSensors{
		logger:        logging.Component(logger, "room"),
		thermalLimitC: defaultThermalLimitC,
	}
	r.doorClosed.Store(true)
	r.tempBits.Store(math.Float64bits(20.0))
	return r
}

// SetDoorClosed updates the door contact state.
func (r *RoomSensors) SetDoorClosed(closed bool) {
	if r == nil {
		return
	}
	if r.doorClosed.Swap(closed) != closed {
		r.logger.Info().Bool("closed", closed).Msg("door contact changed")
	}
}

// DoorClosed backs the door_closed interlock.
func (r *RoomSensors) DoorClosed() bool {
	if r == nil {
		return false
	}
	return r.doorClosed.Load()
}

// SetEmergencyStop engages or releases the emergency stop chain.
func (r *RoomSensors) SetEmergencyStop(engaged bool) {
	if r == nil {
		return
	}
	if r.emergencyStop.Swap(engaged) != engaged {
		r.logger.Warn().Bool("engaged", engaged).Msg("emergency stop changed")
	}
}

// EmergencyStopClear backs the emergency_stop_clear interlock.
func (r *RoomSensors) EmergencyStopClear() bool {
	if r == nil {
		return false
	}
	return !r.emergencyStop.Load()
}

// SetHousingTemp updates the tube housing temperature in °C.
func (r *RoomSensors) SetHousingTemp(tempC float64) {
	if r == nil {
		return
	}
	r.tempBits.Store(math.Float64bits(tempC))
}

// HousingTemp returns the tube housing temperature in °C.
func (r *RoomSensors) HousingTemp() float64 {
	if r == nil {
		return 0
	}
	return math.Float64frombits(r.tempBits.Load())
}

// ThermalNormal backs the thermal_normal interlock.
func (r *RoomSensors) ThermalNormal() bool {
	if r == nil {
		return false
	}
	return r.HousingTemp() < r.thermalLimitC
}
