package gemini

// promptData is the input to the prompt template.
type promptData struct {
	Content string
}

// responseSchema is the JSON shape the model is instructed to return.
type responseSchema struct {
	Sentiment string `json:"sentiment"`
	Impact    string `json:"impact"`
}
