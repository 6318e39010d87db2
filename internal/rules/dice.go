package rules

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// DiceTerm is one NdS group of an expression.
type DiceTerm struct {
	Count    int
	Sides    int
	Negative bool
}

// Expression is a parsed dice expression: a sum of dice terms plus a flat
// modifier. "2d6+1d4-1" has two terms and modifier -1.
type Expression struct {
	Terms    []DiceTerm
	Modifier int
}

// String renders the expression in canonical form.
func (e Expression) String() string {
	var b strings.Builder
	for i, t := range e.Terms {
		switch {
		case t.Negative:
			b.WriteString("-")
		case i > 0:
			b.WriteString("+")
		}
		fmt.Fprintf(&b, "%dd%d", t.Count, t.Sides)
	}
	switch {
	case e.Modifier > 0 && len(e.Terms) > 0:
		fmt.Fprintf(&b, "+%d", e.Modifier)
	case e.Modifier != 0 || len(e.Terms) == 0:
		fmt.Fprintf(&b, "%d", e.Modifier)
	}
	return b.String()
}

// maxDice bounds a single term so a hostile expression cannot pin a CPU.
const maxDice = 1000

// ParseExpression parses expressions such as "d20", "1d8+3", "2d6+1d4-1" or
// a bare constant like "1". Whitespace and case are ignored.
func ParseExpression(expr string) (Expression, error) {
	s := strings.ToLower(strings.Join(strings.Fields(expr), ""))
	if s == "" {
		return Expression{}, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}

	var out Expression
	for _, tok := range splitSigned(s) {
		neg := tok[0] == '-'
		body := strings.TrimLeft(tok, "+-")
		if body == "" {
			return Expression{}, fmt.Errorf("%w: dangling sign in %q", ErrInvalidExpression, expr)
		}

		dIdx := strings.IndexByte(body, 'd')
		if dIdx == -1 {
			n, err := strconv.Atoi(body)
			if err != nil {
				return Expression{}, fmt.Errorf("%w: invalid modifier %q in %q", ErrInvalidExpression, body, expr)
			}
			if neg {
				n = -n
			}
			out.Modifier += n
			continue
		}

		count := 1
		if dIdx > 0 {
			var err error
			count, err = strconv.Atoi(body[:dIdx])
			if err != nil {
				return Expression{}, fmt.Errorf("%w: invalid dice count %q in %q", ErrInvalidExpression, body[:dIdx], expr)
			}
		}
		sides, err := strconv.Atoi(body[dIdx+1:])
		if err != nil {
			return Expression{}, fmt.Errorf("%w: invalid sides %q in %q", ErrInvalidExpression, body[dIdx+1:], expr)
		}
		if count < 0 || count > maxDice {
			return Expression{}, fmt.Errorf("%w: dice count %d out of range in %q", ErrInvalidExpression, count, expr)
		}
		if sides < 1 {
			return Expression{}, fmt.Errorf("%w: sides must be >= 1 in %q", ErrInvalidExpression, expr)
		}
		if count > 0 {
			out.Terms = append(out.Terms, DiceTerm{Count: count, Sides: sides, Negative: neg})
		}
	}
	return out, nil
}

// splitSigned cuts s before every + or - that is not the first byte.
func splitSigned(s string) []string {
	var parts []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == '+' || s[i] == '-' {
			parts = append(parts, s[start:i])
			start = i
		}
	}
	return append(parts, s[start:])
}

// rollOutcome is the evaluated form of an expression.
type rollOutcome struct {
	total     int
	natural   int
	breakdown string
	advUsed   bool
	disUsed   bool
}

// rollExpression evaluates e with rng. On a critical, every dice term is
// rolled twice as many times. Advantage and disadvantage apply to a single
// d20 term; when both are set they cancel.
func rollExpression(rng *rand.Rand, e Expression, critical, adv, dis bool) rollOutcome {
	if adv && dis {
		adv, dis = false, false
	}

	var (
		out   rollOutcome
		parts []string
	)
	for i, t := range e.Terms {
		count := t.Count
		if critical {
			count *= 2
		}
		rolls := make([]string, 0, count)
		sum := 0
		if count == 1 && t.Sides == 20 && (adv || dis) {
			a, b := rng.IntN(20)+1, rng.IntN(20)+1
			keep := max(a, b)
			if dis {
				keep = min(a, b)
			}
			out.advUsed, out.disUsed = adv, dis
			sum = keep
			rolls = append(rolls, fmt.Sprintf("%d|%d", a, b))
			if out.natural == 0 {
				out.natural = keep
			}
		} else {
			for range count {
				r := rng.IntN(t.Sides) + 1
				sum += r
				rolls = append(rolls, strconv.Itoa(r))
			}
			if out.natural == 0 && t.Sides == 20 && count == 1 {
				out.natural = sum
			}
		}
		if t.Negative {
			sum = -sum
		}
		out.total += sum

		sign := ""
		switch {
		case t.Negative:
			sign = "- "
		case i > 0:
			sign = "+ "
		}
		parts = append(parts, fmt.Sprintf("%s%dd%d [%s]", sign, count, t.Sides, strings.Join(rolls, ", ")))
	}

	out.total += e.Modifier
	switch {
	case e.Modifier > 0 && len(parts) > 0:
		parts = append(parts, fmt.Sprintf("+ %d", e.Modifier))
	case e.Modifier < 0 && len(parts) > 0:
		parts = append(parts, fmt.Sprintf("- %d", -e.Modifier))
	case len(parts) == 0:
		parts = append(parts, strconv.Itoa(e.Modifier))
	}
	out.breakdown = strings.Join(parts, " ") + " = " + strconv.Itoa(out.total)
	return out
}

// d20 rolls one twenty-sided die honouring advantage and disadvantage and
// returns the kept value.
func d20(rng *rand.Rand, adv, dis bool) int {
	a := rng.IntN(20) + 1
	if adv == dis {
		return a
	}
	b := rng.IntN(20) + 1
	if adv {
		return max(a, b)
	}
	return min(a, b)
}
