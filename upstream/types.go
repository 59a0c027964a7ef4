package upstream

import (
	"strconv"
	"time"
)

type Session struct {
	Token    string
	IssuedAt time.Time
}

// GymInfo is one entry of the club listing. ID is the upstream club id when
// the portal reports one, otherwise the club name.
type GymInfo struct {
	ID      string
	Name    string
	Address string
}

type Occupancy struct {
	GymID      string
	Name       string
	Address    string
	UsersCount int
	UsersLimit *int
	ObservedAt time.Time
}

type loginRequest struct {
	RememberMe bool   `json:"RememberMe"`
	Login      string `json:"Login"`
	Password   string `json:"Password"`
}

type membersRequest struct {
	ClubID *int `json:"ClubId,omitempty"`
}

type membersResponse struct {
	UsersInClubList *[]clubEntry `json:"UsersInClubList"`
}

type clubEntry struct {
	ClubID      *int   `json:"ClubId"`
	ClubName    string `json:"ClubName"`
	ClubAddress string `json:"ClubAddress"`
	UsersCount  *int   `json:"UsersCountCurrentlyInClub"`
	UsersLimit  *int   `json:"UsersLimit"`
}

func (c clubEntry) id() string {
	if c.ClubID != nil {
		return strconv.Itoa(*c.ClubID)
	}
	return c.ClubName
}
