// PredictionsData is a paginated response payload for the prediction history.
package dto

type PredictionsData struct {
	Predictions   []PredictionInfo `json:"predictions"`
	ReturnedCount int              `json:"returnedCount"`
	Total         int              `json:"total"`
	Skip          int              `json:"skip"`
	Limit         int              `json:"limit"`
	TotalPages    int              `json:"totalPages"`
	CurrentPage   int              `json:"currentPage"`
}

// NewPredictionsData fills in the paging fields from the filter and total.
func NewPredictionsData(items []PredictionInfo, total int, f FilterSpec) PredictionsData {
	if items == nil {
		items = []PredictionInfo{}
	}
	pages := 0
	if f.Limit > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	page := 1
	if f.Limit > 0 {
		page = f.Offset/f.Limit + 1
	}
	return PredictionsData{
		Predictions:   items,
		ReturnedCount: len(items),
		Total:         total,
		Skip:          f.Offset,
		Limit:         f.Limit,
		TotalPages:    pages,
		CurrentPage:   page,
	}
}
