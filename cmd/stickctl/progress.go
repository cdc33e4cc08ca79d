package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const progressBarWidth = 40

// ProgressBar renders firmware transfer progress. On a terminal it redraws a
// single bar line in place; when output is piped it prints a plain line every
// ten percent so logs stay readable.
type ProgressBar struct {
	prefix string
	isTTY  bool

	mu   sync.Mutex
	last int
}

func NewProgressBar(prefix string) *ProgressBar {
	return &ProgressBar{
		prefix: prefix,
		isTTY:  term.IsTerminal(int(os.Stdout.Fd())),
		last:   -1,
	}
}

// Update renders percent. Safe to call from the transfer goroutine.
func (p *ProgressBar) Update(percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent <= p.last {
		return
	}
	p.last = percent

	if !p.isTTY {
		if percent%10 == 0 || percent == 100 {
			fmt.Printf("%s: %d%%\n", p.prefix, percent)
		}
		return
	}

	filled := percent * progressBarWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled)
	fmt.Printf("\r%s [%s] %3d%%", p.prefix, color.CyanString(bar), percent)
	if percent == 100 {
		fmt.Println()
	}
}

// Finish terminates the in-place line so subsequent output starts clean.
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isTTY && p.last >= 0 && p.last < 100 {
		fmt.Println()
	}
}

var (
	successLabel = color.New(color.FgGreen).SprintFunc()
	failureLabel = color.New(color.FgRed).SprintFunc()
)
