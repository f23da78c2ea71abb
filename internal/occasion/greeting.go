package occasion

import (
	"fmt"

	"occasion/internal/types"
)

// GreetingText renders the message body sent to the external delivery API
// for one occasion occurrence.
func GreetingText(user *types.User, occasionType types.OccasionType) string {
	switch occasionType {
	case types.OccasionAnniversary:
		return fmt.Sprintf("Hey, %s happy anniversary!", user.FullName())
	default:
		return fmt.Sprintf("Hey, %s it's your birthday", user.FullName())
	}
}
