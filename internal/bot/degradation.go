package bot

// Level is the engine's aggregate degradation state. Levels are ordered:
// a report always carries the worst condition currently holding.
type Level int

const (
	LevelNormal Level = iota
	LevelDegraded
	LevelSafeMode
	LevelHalted
	LevelEmergency
)

// String returns the dashboard spelling of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelDegraded:
		return "DEGRADED"
	case LevelSafeMode:
		return "SAFE_MODE"
	case LevelHalted:
		return "HALTED"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}
