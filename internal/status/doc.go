// Package status maintains the device status snapshot and publishes it to
// the retained status/current topic.
//
// The snapshot starts from the status schema's template values plus three
// framework-managed fields: operational_status (idle/busy/error), timestamp
// (refreshed at each publish), and last_command_time (command_timestamp of
// the most recently received command).
//
// Two publishing modes, both driven by a periodic tick:
//
//   - change-only (default): publish only when the snapshot changed since
//     the last publish, plus an immediate publish whenever a change lands
//     between ticks
//   - keep-alive: additionally publish on every tick, changed or not
//
// An initial publish always follows startup. Published timestamps are
// monotonically non-decreasing even if the wall clock steps backwards.
package status
