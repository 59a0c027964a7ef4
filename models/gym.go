package models

import "time"

type Gym struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Address   string    `json:"address" db:"address"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CapacityReading is append-only. UsersCount may exceed UsersLimit; it is
// stored as reported.
type CapacityReading struct {
	ID         int64     `json:"id" db:"id"`
	GymID      int64     `json:"gym_id" db:"gym_id"`
	UsersCount int       `json:"users_count" db:"users_count"`
	UsersLimit *int      `json:"users_limit" db:"users_limit"`
	ObservedAt time.Time `json:"observed_at" db:"observed_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Observation is one gym's occupancy as reported upstream, before it has
// been assigned a gym identity.
type Observation struct {
	GymName    string    `json:"gym_name"`
	Address    string    `json:"address"`
	UsersCount int       `json:"users_count"`
	UsersLimit *int      `json:"users_limit"`
	ObservedAt time.Time `json:"observed_at"`
}

type LatestReading struct {
	GymID      int64     `json:"gym_id"`
	GymName    string    `json:"gym_name"`
	Address    string    `json:"address"`
	UsersCount int       `json:"users_count"`
	UsersLimit *int      `json:"users_limit"`
	Percentage *float64  `json:"percentage"`
	ObservedAt time.Time `json:"observed_at"`
}

type ReadingPoint struct {
	ObservedAt time.Time `json:"observed_at"`
	UsersCount int       `json:"users_count"`
	UsersLimit *int      `json:"users_limit"`
}

type CapacityStats struct {
	TotalRecords int      `json:"total_records"`
	TotalGyms    int      `json:"total_gyms"`
	AvgCapacity  *float64 `json:"avg_capacity"`
	MaxCapacity  *int     `json:"max_capacity"`
	MinCapacity  *int     `json:"min_capacity"`
	Days         int      `json:"days"`
	Gyms         []string `json:"gyms,omitempty"`
}

// Percent returns count as a percentage of limit, or nil when the limit is unknown.
func Percent(count int, limit *int) *float64 {
	if limit == nil || *limit <= 0 {
		return nil
	}
	p := float64(count) / float64(*limit) * 100
	p = float64(int(p*10+0.5)) / 10
	return &p
}
