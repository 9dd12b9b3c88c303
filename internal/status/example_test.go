package status_test

import (
	"errors"
	"fmt"

	"github.com/fieldworks/fieldsync/internal/status"
)

func ExampleValidate() {
	fmt.Println(status.Validate(status.New, status.InProgress))

	err := status.Validate(status.Done, status.InProgress)
	fmt.Println(errors.Is(err, status.ErrInvalidTransition))
	fmt.Println(err)
	// Output:
	// <nil>
	// true
	// cannot change status from DONE to IN_PROGRESS: DONE is final
}

func ExampleNext() {
	for _, s := range status.All {
		fmt.Println(s, status.Next(s))
	}
	// Output:
	// NEW [IN_PROGRESS CANCELLED]
	// IN_PROGRESS [DONE CANCELLED]
	// DONE []
	// CANCELLED []
}
