package orchestrator

import "strings"

// genreKeywords maps a Chinese genre keyword to the (Chinese, English)
// genre tags folded into the vector store's metadata filter when the
// keyword appears anywhere in the raw query text.
var genreKeywords = map[string][2]string{
	"惊悚": {"惊悚", "Thriller"},
	"恐怖": {"恐怖", "Horror"},
	"悬疑": {"悬疑", "Mystery"},
	"动作": {"动作", "Action"},
	"科幻": {"科幻", "Science Fiction"},
	"犯罪": {"犯罪", "Crime"},
	"爱情": {"爱情", "Romance"},
	"喜剧": {"喜剧", "Comedy"},
	"剧情": {"剧情", "Drama"},
	"冒险": {"冒险", "Adventure"},
	"动画": {"动画", "Animation"},
	"奇幻": {"奇幻", "Fantasy"},
	"战争": {"战争", "War"},
	"纪录": {"纪录", "Documentary"},
	"家庭": {"家庭", "Family"},
	"音乐": {"音乐", "Music"},
	"历史": {"历史", "History"},
	"西部": {"西部", "Western"},
}

// extractGenreFilters scans q for genre keywords and returns the
// deduplicated (Chinese + English) tags found. Order is not significant:
// vectorstore.Filter.Genres is matched as an any-of set downstream.
func extractGenreFilters(q string) []string {
	var hits []string
	for key, tags := range genreKeywords {
		if strings.Contains(q, key) {
			hits = append(hits, tags[0], tags[1])
		}
	}
	if len(hits) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(hits))
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
