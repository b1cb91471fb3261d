package frame

// Lighting classes.
const (
	LightingVeryDark   = "very_dark"
	LightingDark       = "dark"
	LightingNormal     = "normal"
	LightingBright     = "bright"
	LightingVeryBright = "very_bright"
)

// Weather classes.
const (
	WeatherFoggy    = "foggy"
	WeatherCloudy   = "cloudy"
	WeatherSunny    = "sunny"
	WeatherOvercast = "overcast"
)

// Time of day classes.
const (
	TimeNight    = "night"
	TimeTwilight = "evening/morning"
	TimeMidday   = "midday"
	TimeDaytime  = "daytime"
)

// Environment is the set of heuristic scene conditions for one frame.
type Environment struct {
	Lighting  string  `json:"lighting_class"`
	Weather   string  `json:"weather_class"`
	TimeOfDay string  `json:"time_of_day_class"`
	Noise     float64 `json:"noise_estimate"`
}

// ClassifyLighting buckets mean intensity into five classes.
func ClassifyLighting(g Gray) string {
	mean, _ := grayMeanStd(g)
	switch {
	case mean < 50:
		return LightingVeryDark
	case mean < 100:
		return LightingDark
	case mean < 180:
		return LightingNormal
	case mean < 220:
		return LightingBright
	default:
		return LightingVeryBright
	}
}

// EstimateWeather guesses conditions from contrast and brightness.
// Low contrast reads as fog before anything else is considered.
func EstimateWeather(g Gray) string {
	mean, std := grayMeanStd(g)
	switch {
	case std < 30:
		return WeatherFoggy
	case mean < 100 && std > 50:
		return WeatherCloudy
	case mean > 200:
		return WeatherSunny
	default:
		return WeatherOvercast
	}
}

// EstimateTimeOfDay guesses the time of day from mean brightness.
func EstimateTimeOfDay(g Gray) string {
	mean, _ := grayMeanStd(g)
	switch {
	case mean < 50:
		return TimeNight
	case mean < 120:
		return TimeTwilight
	case mean > 200:
		return TimeMidday
	default:
		return TimeDaytime
	}
}

// AssessEnvironment runs every environment heuristic on f.
func AssessEnvironment(f Frame) Environment {
	g := f.Gray()
	return Environment{
		Lighting:  ClassifyLighting(g),
		Weather:   EstimateWeather(g),
		TimeOfDay: EstimateTimeOfDay(g),
		Noise:     EstimateNoise(g),
	}
}
