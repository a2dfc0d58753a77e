package render

import "strings"

// teletype maps ANSI terminal codes to HTML spans. Resets close the open span.
var teletype = strings.NewReplacer(
	"\x1b[0m", "</span>",
	"\x1b[40m", `<span style="background-color:black">`,
	"\x1b[44m", `<span style="background-color:blue">`,
	"\x1b[46m", `<span style="background-color:cyan">`,
	"\x1b[42m", `<span style="background-color:green">`,
	"\x1b[45m", `<span style="background-color:magenta">`,
	"\x1b[41m", `<span style="background-color:red">`,
	"\x1b[47m", `<span style="background-color:white">`,
	"\x1b[43m", `<span style="background-color:yellow">`,
	"\x1b[30m", `<span style="font-family:monospace; color:black">`,
	"\x1b[34m", `<span style="font-family:monospace; color:#0303ab">`,
	"\x1b[36m", `<span style="font-family:monospace; color:cyan">`,
	"\x1b[32m", `<span style="font-family:monospace; color:#38bc38">`,
	"\x1b[35m", `<span style="font-family:monospace; color:magenta">`,
	"\x1b[31m", `<span style="font-family:monospace; color:#aa0000">`,
	"\x1b[37m", `<span style="font-family:monospace; color:gray">`,
	"\x1b[33m", `<span style="font-family:monospace; color:#bd7d3e">`,
	"\x1b[7m", `<span style="color:white; background-color:black">`,
	"\x1b[4m", `<span style="color:#38bc38; text-decoration:underline">`,
	"\x1b[1m", `<span style="font-weight:bold">`,
)

// Teletype converts ANSI codes in already-escaped text to styled spans.
func Teletype(text string) string {
	return "<span>" + teletype.Replace(text) + "</span>"
}
