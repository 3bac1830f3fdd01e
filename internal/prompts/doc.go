// Package prompts holds the text Cartwright sends to models and the
// fixed messages it shows users.
//
// Prompt text is Go code rather than config because it is program logic:
// templates use fmt.Sprintf interpolation and are checked by tests. An
// operator may still replace the system prompt with agent.prompt_file.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the final string.
package prompts
