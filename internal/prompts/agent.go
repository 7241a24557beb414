package prompts

// EmptyResponseFallback is the user-facing text used when the model ends
// an exchange without producing any text.
const EmptyResponseFallback = "I wasn't able to compose an answer to that. Please try rephrasing your question."

// StepLimitNote is appended when an exchange stops at the step ceiling
// while the model still wanted more data.
const StepLimitNote = "\n\n(I stopped gathering data here to keep this response quick. Ask me to continue if you need more.)"

// ProviderFailureMessage is the generic error shown when the model
// provider cannot be reached. Provider details are logged, never shown.
const ProviderFailureMessage = "The assistant is temporarily unavailable. Please try again in a moment."
