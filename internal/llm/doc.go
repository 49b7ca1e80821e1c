// Package llm defines the capability boundary used by agents. Each agent
// type sends a structured JSON input and receives a structured JSON output
// with a confidence value; providers (OpenAI, a Python bridge, scripted
// fakes) plug in behind the Client interface.
package llm
