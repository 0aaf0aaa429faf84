package buzzer

import "errors"

// Question is one cell of the board. Answered is set once and never
// cleared; a question is never reopened.
type Question struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Value    int    `json:"value"`
	Answered bool   `json:"answered"`
}

// Category is an ordered column of questions under one title.
type Category struct {
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Board is the full question grid for one room.
type Board []Category

// QuestionRef points at a question by position.
type QuestionRef struct {
	Category int `json:"category"`
	Question int `json:"question"`
}

// ValidateBoard checks shape only: at least one category, each with at
// least one question. Prompt and answer text are the author's problem.
func ValidateBoard(b Board) error {
	if len(b) == 0 {
		return errors.New("board has no categories")
	}
	for _, cat := range b {
		if len(cat.Questions) == 0 {
			return errors.New("category " + cat.Title + " has no questions")
		}
	}
	return nil
}

// question returns the addressed question, or nil if out of range.
func (b Board) question(cat, q int) *Question {
	if cat < 0 || cat >= len(b) {
		return nil
	}
	if q < 0 || q >= len(b[cat].Questions) {
		return nil
	}
	return &b[cat].Questions[q]
}

// remaining reports whether any question is still unanswered.
func (b Board) remaining() bool {
	for _, cat := range b {
		for _, q := range cat.Questions {
			if !q.Answered {
				return true
			}
		}
	}
	return false
}
