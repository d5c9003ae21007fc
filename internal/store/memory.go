package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kjstillabower/weather-fanout-service/internal/models"
)

// MemoryStore keeps everything in process. A single RWMutex makes ReplaceWeather
// atomic and GetWeather a consistent snapshot.
type MemoryStore struct {
	mu            sync.RWMutex
	nextID        int64
	locations     map[string]models.Location
	ids           map[int64]struct{}
	current       map[int64]models.CurrentConditions
	forecast      map[int64][]models.DailyForecastEntry
	notifications []models.Notification
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locations: make(map[string]models.Location),
		ids:       make(map[int64]struct{}),
		current:   make(map[int64]models.CurrentConditions),
		forecast:  make(map[int64][]models.DailyForecastEntry),
		now:       time.Now,
	}
}

func (s *MemoryStore) GetLocation(ctx context.Context, name string) (models.Location, error) {
	n, err := normalizeName(name)
	if err != nil {
		return models.Location{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locations[n]
	if !ok {
		return models.Location{}, fmt.Errorf("location %q: %w", n, ErrNotFound)
	}
	return loc, nil
}

func (s *MemoryStore) UpsertLocation(ctx context.Context, name string, lat, lon float64, track bool) (models.Location, error) {
	n, err := normalizeName(name)
	if err != nil {
		return models.Location{}, err
	}
	now := timestamp(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.locations[n]
	if !ok {
		s.nextID++
		loc = models.Location{ID: s.nextID, Name: n, CreatedAt: now}
		s.ids[loc.ID] = struct{}{}
	}
	loc.Latitude = lat
	loc.Longitude = lon
	loc.Tracked = loc.Tracked || track
	loc.UpdatedAt = now
	s.locations[n] = loc
	return loc, nil
}

func (s *MemoryStore) SetTracked(ctx context.Context, name string, tracked bool) (models.Location, error) {
	n, err := normalizeName(name)
	if err != nil {
		return models.Location{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.locations[n]
	if !ok {
		return models.Location{}, fmt.Errorf("location %q: %w", n, ErrNotFound)
	}
	loc.Tracked = tracked
	loc.UpdatedAt = timestamp(s.now())
	s.locations[n] = loc
	return loc, nil
}

func (s *MemoryStore) ListTracked(ctx context.Context) ([]models.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Location, 0)
	for _, loc := range s.locations {
		if loc.Tracked {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetCurrent(ctx context.Context, locationID int64) (models.CurrentConditions, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.current[locationID]
	if !ok {
		return models.CurrentConditions{}, fmt.Errorf("current for location %d: %w", locationID, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) GetForecast(ctx context.Context, locationID int64) ([]models.DailyForecastEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneForecast(s.forecast[locationID]), nil
}

func (s *MemoryStore) GetWeather(ctx context.Context, locationID int64) (models.CurrentConditions, []models.DailyForecastEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.current[locationID]
	if !ok {
		return models.CurrentConditions{}, nil, fmt.Errorf("current for location %d: %w", locationID, ErrNotFound)
	}
	return c, cloneForecast(s.forecast[locationID]), nil
}

func (s *MemoryStore) ReplaceWeather(ctx context.Context, locationID int64, current models.CurrentConditions, forecast []models.DailyForecastEntry) error {
	if err := validateForecast(forecast); err != nil {
		return err
	}
	current.FetchedAt = timestamp(current.FetchedAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[locationID]; !ok {
		return fmt.Errorf("location %d: %w", locationID, ErrNotFound)
	}
	s.current[locationID] = current
	s.forecast[locationID] = cloneForecast(forecast)
	return nil
}

func (s *MemoryStore) AddNotification(ctx context.Context, locationName, message string) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := models.Notification{
		ID:           int64(len(s.notifications) + 1),
		LocationName: models.NormalizeLocation(locationName),
		Message:      message,
		CreatedAt:    timestamp(s.now()),
	}
	s.notifications = append(s.notifications, n)
	return n, nil
}

// ListNotifications returns the newest first.
func (s *MemoryStore) ListNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Notification, 0, min(limit, len(s.notifications)))
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.notifications[i])
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cloneForecast(f []models.DailyForecastEntry) []models.DailyForecastEntry {
	out := make([]models.DailyForecastEntry, len(f))
	copy(out, f)
	return out
}
