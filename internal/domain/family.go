package domain

// Family — семейство jobs. Все три семейства разделяют жизненный цикл
// pull/claim/report, отличаются формой записи и набором переходов.
type Family string

const (
	// FamilyDiscrete — одиночное действие над одной целью.
	FamilyDiscrete Family = "discrete"

	// FamilyWarmer — кампания прогрева credentials из deck.
	FamilyWarmer Family = "warmer"

	// FamilyScraping — кампания сбора профилей (credentials или nicks).
	FamilyScraping Family = "scraping"
)

// Families возвращает все семейства в фиксированном порядке.
func Families() []Family {
	return []Family{FamilyDiscrete, FamilyWarmer, FamilyScraping}
}

// Valid возвращает true для известного семейства.
func (f Family) Valid() bool {
	switch f {
	case FamilyDiscrete, FamilyWarmer, FamilyScraping:
		return true
	default:
		return false
	}
}

// RequiresAccept — нужна ли явная приёмка после claim.
func (f Family) RequiresAccept() bool {
	return f == FamilyDiscrete
}

// IsBatch — является ли семейство кампанией с курсором.
func (f Family) IsBatch() bool {
	return f == FamilyWarmer || f == FamilyScraping
}

// ClaimState — состояние, в которое job переходит при claim.
func (f Family) ClaimState() JobState {
	if f.RequiresAccept() {
		return JobAwaitingAcceptance
	}
	return JobInProgress
}

// DefaultAction — действие по умолчанию, если ни одно правило не сработало.
func (f Family) DefaultAction() RetryAction {
	return DefaultRetryAction(f.IsBatch())
}
