package sink

import (
	"math"

	"github.com/jobpostpro/quiz-engine/internal/models"
)

// Score grades answers against the questions' correct answers.
// Questions without a correct answer count toward Answered but not Total.
func Score(questions []models.Question, answers []models.AnswerEntry) models.Score {
	correct := make(map[string]int, len(questions))
	for _, q := range questions {
		if q.CorrectIndex != nil {
			correct[q.ID] = *q.CorrectIndex
		}
	}

	score := models.Score{Total: len(correct)}
	for _, a := range answers {
		score.Answered++
		if idx, ok := correct[a.QuestionID]; ok && idx == a.SelectedIndex {
			score.Correct++
		}
	}

	if score.Total > 0 {
		pct := float64(score.Correct) / float64(score.Total) * 100
		score.Percent = math.Round(pct*100) / 100
	}
	return score
}
