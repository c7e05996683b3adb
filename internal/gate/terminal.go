package gate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danielpatrickdp/querytune/internal/ux"
)

// EditTerminator ends a multi-line edit.
const EditTerminator = "<<<END>>>"

// #region terminal-approver
// TerminalApprover reviews changes on a line-oriented terminal.
type TerminalApprover struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalApprover reads answers from in and writes prompts to out.
func NewTerminalApprover(in io.Reader, out io.Writer) *TerminalApprover {
	return &TerminalApprover{in: bufio.NewReader(in), out: out}
}

// Review shows the item and reads approve / edit / skip / quit.
func (t *TerminalApprover) Review(ctx context.Context, item Item) (Answer, error) {
	fmt.Fprintln(t.out, ux.Styles.Title.Render(item.Title))
	if item.Priority != 0 {
		fmt.Fprintf(t.out, "Priority: %s\n", item.Priority)
	}
	if item.Rationale != "" {
		fmt.Fprintf(t.out, "Rationale: %s\n", item.Rationale)
	}
	if item.Diff != "" {
		fmt.Fprintln(t.out, ux.Diff(item.Diff))
	} else {
		fmt.Fprintln(t.out, ux.Styles.Muted.Render("Current:"))
		fmt.Fprintln(t.out, orEmpty(item.Current))
		fmt.Fprintln(t.out, ux.Styles.Muted.Render("Suggested:"))
		fmt.Fprintln(t.out, ux.Styles.Box.Render(orEmpty(item.Suggested)))
	}
	fmt.Fprintln(t.out, "  [a] Approve  [e] Edit  [s] Skip  [q] Stop the run")

	for {
		if err := ctx.Err(); err != nil {
			return Answer{}, err
		}
		line, err := t.prompt("Your choice (a/e/s/q): ")
		if err != nil {
			return Answer{}, err
		}
		switch strings.ToLower(line) {
		case "a", "approve":
			desc, err := t.prompt("Describe the change (for tracking): ")
			if err != nil && !errors.Is(err, io.EOF) {
				return Answer{}, err
			}
			return Answer{Choice: ChoiceApprove, Description: desc}, nil
		case "e", "edit":
			fmt.Fprintf(t.out, "Enter the replacement below. Finish with %s on its own line:\n", EditTerminator)
			edited, err := t.readBlock()
			if err != nil {
				return Answer{}, err
			}
			if edited == "" {
				fmt.Fprintln(t.out, "Empty edit, keeping the suggestion.")
				edited = item.Suggested
			}
			desc, err := t.prompt("Describe your edit (for tracking): ")
			if err != nil && !errors.Is(err, io.EOF) {
				return Answer{}, err
			}
			return Answer{Choice: ChoiceEdit, Edited: edited, Description: desc}, nil
		case "s", "skip":
			return Answer{Choice: ChoiceSkip}, nil
		case "q", "quit", "stop":
			return Answer{Choice: ChoiceStop}, nil
		default:
			fmt.Fprintln(t.out, ux.Styles.Warning.Render("Invalid choice. Enter a, e, s or q."))
		}
	}
}

// Continue prints the iteration summary and asks y/n.
func (t *TerminalApprover) Continue(ctx context.Context, summary string) (bool, error) {
	if summary != "" {
		fmt.Fprintln(t.out, summary)
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		line, err := t.prompt("Continue to the next iteration? (y/n): ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(line) {
		case "y", "yes", "":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}

func (t *TerminalApprover) prompt(label string) (string, error) {
	fmt.Fprint(t.out, label)
	line, err := t.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (t *TerminalApprover) readBlock() (string, error) {
	var lines []string
	for {
		line, err := t.in.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(trimmed) == EditTerminator {
			break
		}
		if line != "" {
			lines = append(lines, trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

func orEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(empty)"
	}
	return s
}

// #endregion terminal-approver
