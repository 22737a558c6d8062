package sqlstore

import (
	"strings"

	"predictionhub/internal/dto"
)

// Filter is a FilterSpec translated into a SQL predicate over the
// predictions table (alias p) joined with owners (alias o). Placeholders are
// written as ? and rebound by the dialect at execution time.
type Filter struct {
	Where  string
	Args   []interface{}
	Limit  int
	Offset int
}

// Compose validates f and builds its predicate. Every absent field adds no
// condition; present fields are ANDed together.
func Compose(f dto.FilterSpec) (Filter, error) {
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}

	where := "WHERE 1=1"
	args := []interface{}{}

	if f.OwnerID != nil {
		where += " AND p.owner_id = ?"
		args = append(args, *f.OwnerID)
	}

	if f.Model != nil {
		where += " AND p.model = ?"
		args = append(args, string(*f.Model))
	}

	if f.SearchText != nil && strings.TrimSpace(*f.SearchText) != "" {
		pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(*f.SearchText))) + "%"
		where += ` AND (LOWER(COALESCE(p.comment, '')) LIKE ? ESCAPE '\'` +
			` OR LOWER(COALESCE(o.display_name, '')) LIKE ? ESCAPE '\'` +
			` OR LOWER(p.id) LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern, pattern)
	}

	// Single-detector records carry confidence; combined records carry one
	// confidence per detector and match if either is in range.
	if f.MinConfidence != nil || f.MaxConfidence != nil {
		var parts []string
		for _, col := range []string{"p.confidence", "p.rfdetr_confidence", "p.yolo_confidence"} {
			cond, condArgs := rangeCondition(col, f.MinConfidence, f.MaxConfidence)
			parts = append(parts, cond)
			args = append(args, condArgs...)
		}
		where += " AND (" + strings.Join(parts, " OR ") + ")"
	}

	return Filter{Where: where, Args: args, Limit: f.Limit, Offset: f.Offset}, nil
}

func rangeCondition(col string, lo, hi *float64) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if lo != nil {
		conds = append(conds, col+" >= ?")
		args = append(args, *lo)
	}
	if hi != nil {
		conds = append(conds, col+" <= ?")
		args = append(args, *hi)
	}
	return "(" + col + " IS NOT NULL AND " + strings.Join(conds, " AND ") + ")", args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
