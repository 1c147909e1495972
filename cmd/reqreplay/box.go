package main

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

// box draws a framed block sized to its widest line
type box struct {
	width int
}

func newBox(lines []string) box {
	widest := 0
	for _, l := range lines {
		if w := runewidth.StringWidth(l); w > widest {
			widest = w
		}
	}
	width := widest + 4
	if width < 50 {
		width = 50
	}
	return box{width: width}
}

func (b box) top() {
	fmt.Printf("┌%s┐\n", strings.Repeat("─", b.width-2))
}

func (b box) bottom() {
	fmt.Printf("└%s┘\n", strings.Repeat("─", b.width-2))
}

func (b box) separator() {
	fmt.Printf("├%s┤\n", strings.Repeat("─", b.width-2))
}

func (b box) line(content string, center bool) {
	padding := b.width - 2 - runewidth.StringWidth(content)
	if padding < 0 {
		padding = 0
	}

	var left, right string
	if center {
		left = strings.Repeat(" ", padding/2)
		right = strings.Repeat(" ", padding-padding/2)
	} else {
		left = "  "
		right = strings.Repeat(" ", max(padding-2, 0))
	}
	fmt.Printf("│%s%s%s│\n", left, content, right)
}
