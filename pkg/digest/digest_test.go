package digest

import "testing"

func TestCategoryDropped(t *testing.T) {
	dropped := map[Category]bool{
		CategoryKeep:      false,
		CategorySponsored: true,
		CategorySocial:    true,
		CategoryTracking:  true,
		CategoryBonus:     false,
		CategoryYouTube:   false,
	}
	for c, want := range dropped {
		if got := c.Dropped(); got != want {
			t.Errorf("%s.Dropped() = %v, want %v", c, got, want)
		}
	}
}

func TestStrategyValid(t *testing.T) {
	for _, s := range []Strategy{StrategyRedirect, StrategyMetaTags, StrategyDOMSelector, StrategyAuto} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Strategy("scrape").Valid() || Strategy("").Valid() {
		t.Error("unknown strategies should be invalid")
	}
}

func TestStatsCount(t *testing.T) {
	var st Stats
	for _, c := range []Category{CategoryKeep, CategorySponsored, CategorySocial, CategoryTracking, CategoryTracking, CategoryBonus, CategoryYouTube} {
		st.Count(c)
	}
	want := Stats{Kept: 1, Sponsored: 1, Social: 1, Tracking: 2, Bonus: 1, YouTube: 1}
	if st != want {
		t.Errorf("Count() = %+v, want %+v", st, want)
	}
}

func TestRunArticleCount(t *testing.T) {
	run := &Run{Newsletters: []Newsletter{
		{Articles: []Article{{URL: "https://a.example.com"}, {URL: "https://b.example.com"}}},
		{},
		{Articles: []Article{{URL: "https://c.example.com"}}},
	}}
	if got := run.ArticleCount(); got != 3 {
		t.Errorf("ArticleCount() = %d, want 3", got)
	}

	if u := Unresolved("https://x.example.com"); u.OriginalURL != u.FinalURL || u.IsNested {
		t.Errorf("Unresolved() = %+v", u)
	}
}
