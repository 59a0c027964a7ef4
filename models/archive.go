package models

// ArchiveEntry is one collection as written to the JSON backup files. The
// field names match the portal payload so old backups import unchanged.
type ArchiveEntry struct {
	Timestamp string        `json:"timestamp"`
	Data      []ArchiveClub `json:"data"`
}

type ArchiveClub struct {
	ClubName                  string `json:"ClubName"`
	ClubAddress               string `json:"ClubAddress"`
	UsersCountCurrentlyInClub *int   `json:"UsersCountCurrentlyInClub"`
	UsersLimit                *int   `json:"UsersLimit"`
}
