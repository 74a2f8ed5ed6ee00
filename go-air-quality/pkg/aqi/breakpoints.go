package aqi

import "math"

// breakpoint is one band of the EPA PM2.5 table.
type breakpoint struct {
	concLo, concHi float64
	aqiLo, aqiHi   float64
	level          string
}

// EPA PM2.5 (24-hour) breakpoints.
var pm25Breakpoints = []breakpoint{
	{0.0, 12.0, 0, 50, "Good"},
	{12.1, 35.4, 51, 100, "Moderate"},
	{35.5, 55.4, 101, 150, "Unhealthy for Sensitive Groups"},
	{55.5, 150.4, 151, 200, "Unhealthy"},
	{150.5, 250.4, 201, 300, "Very Unhealthy"},
	{250.5, 350.4, 301, 400, "Hazardous"},
	{350.5, 500.4, 401, 500, "Hazardous"},
}

// PM25ToAQI converts a concentration in ug/m3 to an AQI. The concentration is truncated to
// 0.1 ug/m3 first and the result rounded to a whole number. Concentrations outside the table
// yield +Inf.
func PM25ToAQI(conc float64) float64 {
	if math.IsNaN(conc) || conc < 0 {
		return math.Inf(1)
	}
	// epsilon keeps values like 0.7 from truncating to 0.6 through binary rounding
	c := math.Floor(conc*10+1e-9) / 10
	for _, bp := range pm25Breakpoints {
		if c >= bp.concLo && c <= bp.concHi {
			return math.Round((bp.aqiHi-bp.aqiLo)/(bp.concHi-bp.concLo)*(c-bp.concLo) + bp.aqiLo)
		}
	}
	return math.Inf(1)
}

// Level names the AQI band a value falls in.
func Level(aqi float64) string {
	if math.IsNaN(aqi) || math.IsInf(aqi, 0) || aqi < 0 {
		return ""
	}
	for _, bp := range pm25Breakpoints {
		if aqi <= bp.aqiHi {
			return bp.level
		}
	}
	return "Beyond Index"
}

// CorrectEPA applies the US EPA humidity correction for low-cost optical sensors.
func CorrectEPA(pm25, humidity float64) float64 {
	return math.Max(0.524*pm25-0.0852*humidity+5.72, 0)
}
