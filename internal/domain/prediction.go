package domain

// Prediction is one class/confidence pair from the inference service.
type Prediction struct {
	Disease    string  `json:"disease"`
	Confidence float64 `json:"confidence"`
}

// PredictionResult is the decoded response of the inference service for one
// uploaded scan. Confidence values are percentages in [0, 100].
type PredictionResult struct {
	Success        bool         `json:"success"`
	TopPrediction  Prediction   `json:"top_prediction"`
	AllPredictions []Prediction `json:"all_predictions"`
}
