package prediction

const (
	ConfidenceMin     = 0.3
	ConfidenceMax     = 1.0
	ConfidenceSettled = 0.5
)

// Confidence is a running estimate of how trustworthy recent predictions
// have been. It always stays within [ConfidenceMin, ConfidenceMax].
type Confidence float64

func clamp(value float64) Confidence {
	if value < ConfidenceMin {
		return ConfidenceMin
	}
	if value > ConfidenceMax {
		return ConfidenceMax
	}
	return Confidence(value)
}

// Decay settles confidence toward ConfidenceSettled. It never lowers a value
// that is already at or below the settled point.
func (c Confidence) Decay(step float64) Confidence {
	if float64(c) <= ConfidenceSettled {
		return c
	}
	value := float64(c) - step
	if value < ConfidenceSettled {
		value = ConfidenceSettled
	}
	return clamp(value)
}

// Penalize lowers confidence by amount but not below floor.
func (c Confidence) Penalize(amount, floor float64) Confidence {
	value := float64(c) - amount
	if value < floor {
		value = floor
	}
	return clamp(value)
}

func (c Confidence) Reward(amount float64) Confidence {
	return clamp(float64(c) + amount)
}

// Threshold scales the base rollback threshold. Low confidence shrinks it so
// corrections kick in sooner.
func (c Confidence) Threshold(base float64) float64 {
	return base * (0.7 + float64(c)*0.3)
}

// BlendFactor is how far a smooth correction moves toward the server.
func (c Confidence) BlendFactor() float64 {
	return 0.15 + (1-float64(c))*0.1
}
