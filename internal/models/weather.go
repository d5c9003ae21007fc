package models

import "time"

// ForecastDays is the fixed length of a location's daily forecast window.
const ForecastDays = 7

type Location struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Tracked   bool      `json:"isTracking"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CurrentConditions struct {
	Temperature   float64   `json:"temperature"`
	WindSpeed     float64   `json:"windSpeed"`
	Humidity      float64   `json:"humidity"`
	ConditionCode int       `json:"conditionCode"`
	FetchedAt     time.Time `json:"fetchedAt"`
}

type DailyForecastEntry struct {
	Date          string  `json:"date"` // YYYY-MM-DD
	MaxTemp       float64 `json:"maxTemp"`
	MinTemp       float64 `json:"minTemp"`
	ConditionCode int     `json:"conditionCode"`
}

// Observation is one complete upstream result: current conditions plus the full forecast window.
type Observation struct {
	Current  CurrentConditions    `json:"current"`
	Forecast []DailyForecastEntry `json:"forecast"`
}

// WeatherView is what callers of the resolver receive. Source is "store" or "upstream".
type WeatherView struct {
	Location string               `json:"location"`
	Current  CurrentConditions    `json:"current"`
	Forecast []DailyForecastEntry `json:"forecast"`
	Tracked  bool                 `json:"tracked"`
	Source   string               `json:"source"`
}

// Update is the message pushed to subscribers when a location's current conditions change.
type Update struct {
	Temperature   float64   `json:"temperature" jsonschema:"title=Temperature,description=Air temperature in Celsius"`
	WindSpeed     float64   `json:"windSpeed" jsonschema:"title=Wind speed,description=Wind speed in km/h"`
	Humidity      float64   `json:"humidity" jsonschema:"title=Humidity,description=Relative humidity in percent"`
	ConditionCode int       `json:"conditionCode" jsonschema:"title=Condition code,description=WMO weather interpretation code"`
	UpdatedAt     time.Time `json:"updatedAt" jsonschema:"title=Updated at"`
	LocationName  string    `json:"locationName,omitempty" jsonschema:"title=Location name"`
}

// NewUpdate builds the push payload for a location from its current conditions.
func NewUpdate(location string, c CurrentConditions) Update {
	return Update{
		Temperature:   c.Temperature,
		WindSpeed:     c.WindSpeed,
		Humidity:      c.Humidity,
		ConditionCode: c.ConditionCode,
		UpdatedAt:     c.FetchedAt,
		LocationName:  location,
	}
}

type Notification struct {
	ID           int64     `json:"id"`
	LocationName string    `json:"locationName"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"createdAt"`
}
