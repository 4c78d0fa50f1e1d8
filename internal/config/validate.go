package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid wraps every validation failure so callers can map it to a
// machine-readable code.
var ErrInvalid = errors.New("invalid configuration")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
			_, err := time.Parse("15:04", fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express. The whole document is checked; nothing is applied here.
func (c *Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var problems []string
	if _, ok := c.Modes[c.ActiveMode]; !ok {
		problems = append(problems, fmt.Sprintf("activeMode %q is not a configured mode", c.ActiveMode))
	}

	prev := 0.0
	for i, r := range c.Exit.VolRegimes {
		if r.MaxVIX <= prev {
			problems = append(problems, fmt.Sprintf("exit.volRegimes[%d] maxVix %.2f must be above %.2f", i, r.MaxVIX, prev))
		}
		prev = r.MaxVIX
	}

	if c.Filters.MaxVIX > 0 && c.Filters.MaxVIX <= c.Filters.MinVIX {
		problems = append(problems, "filters.maxVix must exceed filters.minVix")
	}

	t := c.Timing
	order := []struct {
		name, at string
	}{
		{"marketOpen", t.MarketOpen},
		{"tradingStart", t.TradingStart},
		{"lunchAvoidStart", t.LunchAvoidStart},
		{"lunchAvoidEnd", t.LunchAvoidEnd},
		{"eodSquareOff", t.EODSquareOff},
		{"marketClose", t.MarketClose},
	}
	for i := 1; i < len(order); i++ {
		if minutesOf(order[i].at) < minutesOf(order[i-1].at) {
			problems = append(problems, fmt.Sprintf("timing.%s must not precede timing.%s", order[i].name, order[i-1].name))
		}
	}
	if minutesOf(c.Exit.TimeExit) > minutesOf(t.MarketClose) {
		problems = append(problems, "exit.timeExit must not be after timing.marketClose")
	}
	if _, err := time.LoadLocation(t.Location); err != nil && t.Location != "Asia/Kolkata" {
		problems = append(problems, fmt.Sprintf("timing.location %q: %v", t.Location, err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func minutesOf(hhmm string) int {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0
	}
	return t.Hour()*60 + t.Minute()
}
