package dto

import "time"

type FirmwareResponse struct {
	ID        string    `json:"id"`
	BoardType string    `json:"board_type"`
	Version   string    `json:"version"`
	Location  string    `json:"location"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}
