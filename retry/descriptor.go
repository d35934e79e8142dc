package retry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Descriptor configures one retry topology. It is a value; copy it freely.
type Descriptor struct {
	Exchange   string        `validate:"required,max=240"`
	Queue      string        `validate:"required,max=240"`
	RoutingKey string        `validate:"required,max=255"`
	RetryWait  time.Duration `validate:"gte=0"`
	EntryDelay time.Duration `validate:"gte=0"` // zero disables the entry-delay stage
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func descriptorValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the descriptor. Names are capped so every derived name
// still fits an AMQP short string.
func (d Descriptor) Validate() error {
	err := descriptorValidator().Struct(d)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidDescriptor, strings.Join(problems, ", "))
}

// Names returns the derived broker names for d.
func (d Descriptor) Names() Names {
	return DeriveNames(d.Exchange, d.Queue)
}

// HasEntryDelay reports whether new messages pass through the delay stage.
func (d Descriptor) HasEntryDelay() bool {
	return d.EntryDelay > 0
}

// millis renders a duration as the integer milliseconds AMQP expects.
func millis(d time.Duration) int64 {
	return d.Milliseconds()
}
