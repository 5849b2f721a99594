package fallback

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/aura-interview/voice-engine/config"
)

var acks = []string{"Thanks.", "Got it.", "Understood, thank you."}

// Responder runs a scripted text interview: it greets, asks the catalogue
// questions in order and closes after the last answer.
type Responder struct {
	mu        sync.Mutex
	greeting  string
	closing   string
	questions []string
	next      int
	answers   []string
	done      bool
}

// New builds a responder for role and difficulty from the catalogue.
func New(iv *config.Interview, role, difficulty string) *Responder {
	if iv == nil {
		iv = config.DefaultInterview()
	}
	qs := iv.Questions(role, difficulty)
	return &Responder{
		greeting:  iv.Greet(role, difficulty),
		closing:   iv.Closing,
		questions: append([]string(nil), qs...),
	}
}

// Open returns the greeting followed by the first question.
func (r *Responder) Open() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next > 0 || r.done {
		return nil
	}
	out := []string{r.greeting}
	if q, ok := r.ask(); ok {
		out = append(out, q)
	} else {
		r.done = true
		out = append(out, r.closing)
	}
	return out
}

func (r *Responder) ask() (string, bool) {
	if r.next >= len(r.questions) {
		return "", false
	}
	q := r.questions[r.next]
	r.next++
	return q, true
}

// Reply records answer and returns the responder's next lines. done reports
// that the interview is over; later calls return nothing.
func (r *Responder) Reply(answer string) (lines []string, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil, true
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return []string{"Take your time. Type your answer when you're ready."}, false
	}
	r.answers = append(r.answers, answer)
	ack := acks[(len(r.answers)-1)%len(acks)]
	if q, ok := r.ask(); ok {
		return []string{ack + " " + q}, false
	}
	r.done = true
	return []string{ack, r.closing}, true
}

// Done reports whether the closing line has been given.
func (r *Responder) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Feedback summarizes the answers collected so far.
type Feedback struct {
	Mode          string  `json:"mode"`
	Questions     int     `json:"questions"`
	Answers       int     `json:"answers"`
	AverageLength float64 `json:"average_answer_length"`
	Summary       string  `json:"summary"`
}

// Feedback returns the summary as JSON.
func (r *Responder) Feedback() json.RawMessage {
	r.mu.Lock()
	fb := Feedback{Mode: "text", Questions: len(r.questions), Answers: len(r.answers)}
	total := 0
	for _, a := range r.answers {
		total += len(strings.Fields(a))
	}
	r.mu.Unlock()

	if fb.Answers > 0 {
		fb.AverageLength = float64(total) / float64(fb.Answers)
	}
	switch {
	case fb.Answers == 0:
		fb.Summary = "No answers were given."
	case fb.Answers < fb.Questions:
		fb.Summary = "The interview ended before all questions were answered."
	default:
		fb.Summary = "All questions were answered in text mode."
	}
	raw, _ := json.Marshal(fb)
	return raw
}
