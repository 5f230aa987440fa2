package chat

import "fmt"

// The only texts the router ever sends on its own behalf. Dependency errors
// are never forwarded to the user.
const (
	workingText = "On it, give me a moment..."
	failureText = "Sorry, I couldn't complete that right now. Please try again in a little while."
)

// Links are the web surfaces referenced in gate messages.
type Links struct {
	SignupURL  string
	BillingURL string
}

func (l Links) signupPrompt() string {
	return fmt.Sprintf("I don't recognise this chat yet. Please sign up first: %s", l.SignupURL)
}

func (l Links) onboardingPrompt() string {
	return fmt.Sprintf("Welcome! Create your account to get started, then link this chat from your dashboard: %s", l.SignupURL)
}

func (l Links) upgradePrompt() string {
	return fmt.Sprintf("Your access has ended. Choose a plan to keep going: %s", l.BillingURL)
}

func (l Links) outOfCreditsPrompt() string {
	return fmt.Sprintf("You've used all your credits for this period. Upgrade or wait for your renewal: %s", l.BillingURL)
}
