package domain

import "testing"

func TestContentHashFieldBoundaries(t *testing.T) {
	// Разделитель полей не должен позволять склейку: "ab"+"c" и "a"+"bc"
	// дают разные хэши.
	first := ContentHash("ab", "c", "", "s", "u")
	second := ContentHash("a", "bc", "", "s", "u")
	if first == second {
		t.Fatal("смещение границы полей не должно сохранять хэш")
	}
}

func TestContentHashIncludesSource(t *testing.T) {
	base := ContentHash("title", "body", "url", "startups", "jane")
	other := ContentHash("title", "body", "url", "saas", "jane")
	if base == other {
		t.Fatal("тот же текст в другом сабреддите — другое содержимое")
	}
}

func TestPriorityWeight(t *testing.T) {
	if PriorityHigh.Weight() <= PriorityMedium.Weight() || PriorityMedium.Weight() <= PriorityLow.Weight() {
		t.Fatalf("веса приоритетов должны убывать: high=%d medium=%d low=%d",
			PriorityHigh.Weight(), PriorityMedium.Weight(), PriorityLow.Weight())
	}
}

func TestInsertionResultAdd(t *testing.T) {
	var total InsertionResult
	total.Add(InsertionResult{Inserted: 2, Updated: 1, FailedIDs: []string{"a"}, Failed: 1})
	total.Add(InsertionResult{Skipped: 3, Duplicates: 2})

	if total.Inserted != 2 || total.Updated != 1 || total.Skipped != 3 || total.Failed != 1 || total.Duplicates != 2 {
		t.Fatalf("агрегирование потеряло счётчики: %+v", total)
	}
	if total.Total() != 2+1+3+1 {
		t.Fatalf("Total должен суммировать исходы, получили %d", total.Total())
	}
	if len(total.FailedIDs) != 1 {
		t.Fatalf("идентификаторы проваленных постов должны накапливаться: %v", total.FailedIDs)
	}
}
