// Package testcorpus holds text fixtures shared by tests.
package testcorpus

// Lorem is a paragraph of placeholder text.
const Lorem = `Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum.`

// Merges is a small byte-level merge list that covers common pieces of Lorem. Tokens
// are in byte-level form, so "Ġ" is a space and "Ã ©" builds "é".
var Merges = []string{
	"Ġ d",
	"o l",
	"Ġd ol",
	"o r",
	"Ġdol or",
	"u m",
	"i p",
	"ip s",
	"ips um",
	"Ġ s",
	"i t",
	"Ġs it",
	"a m",
	"e t",
	"am et",
	"Ġ am",
	"Ġam et",
	"Ġ e",
	"Ġe t",
	"Ġ i",
	"Ġi n",
	"Ġ u",
	"Ġu t",
	"Ġ c",
	"o n",
	"Ġc on",
	"L o",
	"r e",
	"Lo re",
	"Lore m",
	"Ġ Ġ",
	"Ã ©",
	"i n",
	"c i",
	"ci d",
	"in cid",
}

// Documents are short texts for dataset tests.
var Documents = []string{
	"Lorem ipsum dolor sit amet.",
	"Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua.",
	"Ut enim ad minim veniam, quis nostrud exercitation.",
	"Duis aute irure dolor in reprehenderit in voluptate velit esse.",
}
