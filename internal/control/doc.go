// Package control provides the steering feedback controller.
//
// [PID] keeps the proportional, integral and derivative error terms of a
// cross-track-error signal and turns them into a steering command:
//
//   - [PID.UpdateError] is called exactly once per telemetry sample
//   - [PID.SteeringValue] is the negated total error, clamped to [-1, 1]
//   - [PID.Configure] swaps the gains without touching the error state
//
// # Usage
//
//	pid := control.NewPID(0.2, 0.0004, 3.0) // Kp, Ki, Kd
//	pid.UpdateError(cte)
//	steer := pid.SteeringValue()
//
// A PID is owned by a single session and is not safe for concurrent use.
package control
