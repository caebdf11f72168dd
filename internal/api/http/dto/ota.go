package dto

// CheckInRequest is the report a device posts to /ota. Older firmware sends
// the chip model as chipModelName, newer as chip_model_name.
type CheckInRequest struct {
	Application struct {
		Version string `json:"version"`
	} `json:"application"`
	Board struct {
		Type string `json:"type"`
	} `json:"board"`
	ChipModelName      string `json:"chip_model_name"`
	ChipModelNameCamel string `json:"chipModelName"`
}

func (r CheckInRequest) ChipModel() string {
	if r.ChipModelName != "" {
		return r.ChipModelName
	}
	return r.ChipModelNameCamel
}

type ErrorResponse struct {
	Error string `json:"error"`
}
