package attendance

import "github.com/your-org/attend/internal/models"

// DefaultLabelBoundary is the minimum worked duration, in minutes, for a
// Full Day.
const DefaultLabelBoundary = 480

// Classifier maps a worked duration to a day label.
type Classifier struct {
	BoundaryMinutes int
}

func (c Classifier) Label(minutes int) models.DayLabel {
	boundary := c.BoundaryMinutes
	if boundary <= 0 {
		boundary = DefaultLabelBoundary
	}
	if minutes >= boundary {
		return models.DayLabelFullDay
	}
	return models.DayLabelHalfDay
}

// Label classifies with the default boundary.
func Label(minutes int) models.DayLabel {
	return Classifier{}.Label(minutes)
}
