package mempool

// thresholds holds the five collection-threshold fractions of maximum
// capacity for a given UtilizationLevel (spec §4.1 "Utilization thresholds").
type thresholds struct {
	none, low, normal, high, veryHigh float64
}

var thresholdTable = map[UtilizationLevel]thresholds{
	UtilizationLow:    {none: 0.10, low: 0.25, normal: 0.50, high: 0.75, veryHigh: 0.90},
	UtilizationMedium: {none: 0.25, low: 0.50, normal: 0.75, high: 0.85, veryHigh: 0.95},
	UtilizationHigh:   {none: 0.50, low: 0.75, normal: 0.85, high: 0.95, veryHigh: 0.97},
}

// thresholdBytes is a threshold table converted into absolute byte
// cutoffs against maximum pool size M (see computeThresholds).
type thresholdBytes struct {
	none, low, normal, high, veryHigh int64
}

func computeThresholds(level UtilizationLevel, maximumPoolSize int64) thresholdBytes {
	t, ok := thresholdTable[level]
	if !ok {
		t = thresholdTable[UtilizationMedium]
	}
	return thresholdBytes{
		none:     int64(t.none * float64(maximumPoolSize)),
		low:      int64(t.low * float64(maximumPoolSize)),
		normal:   int64(t.normal * float64(maximumPoolSize)),
		high:     int64(t.high * float64(maximumPoolSize)),
		veryHigh: int64(t.veryHigh * float64(maximumPoolSize)),
	}
}

// collectionLevel maps current capacity (bytes in use) against the
// threshold bytes to a 0..5 "pressure level"; higher levels run more
// collection passes per cycle (spec §4.1 "Current capacity determines a
// collection level 0-5").
func (tb thresholdBytes) collectionLevel(inUse int64) int {
	switch {
	case inUse < tb.none:
		return 0
	case inUse < tb.low:
		return 1
	case inUse < tb.normal:
		return 2
	case inUse < tb.high:
		return 3
	case inUse < tb.veryHigh:
		return 4
	default:
		return 5
	}
}
