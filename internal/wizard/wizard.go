// Package wizard provides the interactive prompts for sakewire: server
// address, port, password and file selection. Prompts render with huh when
// stdin is a terminal and fall back to plain line reads otherwise, so the
// executables stay scriptable.
package wizard

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/jozefkovalcin/sakewire/internal/record"
)

// MaxPasswordLen bounds the password length in bytes.
const MaxPasswordLen = 127

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	subtitleStyle = lipgloss.NewStyle().Faint(true)
)

// PrintBanner prints the styled program banner.
func PrintBanner(title, subtitle string) {
	fmt.Println(titleStyle.Render(title))
	fmt.Println(subtitleStyle.Render(subtitle))
	fmt.Println()
}

// ValidateAddress accepts an IP address or a plausible host name.
func ValidateAddress(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("address must not be empty")
	}
	if net.ParseIP(s) != nil {
		return nil
	}
	if strings.ContainsAny(s, " \t") {
		return errors.New("address must not contain spaces")
	}
	return nil
}

// ValidatePort accepts a decimal port number between 1 and 65535.
func ValidatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return errors.New("port must be a number")
	}
	if n < 1 || n > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}

// ValidateFileName accepts names that fit the wire format: non-empty and at
// most the record layer's file name bound.
func ValidateFileName(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("file name must not be empty")
	}
	if len(s) > record.MaxFileNameLen {
		return fmt.Errorf("file name exceeds %d characters", record.MaxFileNameLen)
	}
	return nil
}

// ValidatePassword bounds the password length.
func ValidatePassword(s string) error {
	if s == "" {
		return errors.New("password must not be empty")
	}
	if len(s) > MaxPasswordLen {
		return fmt.Errorf("password exceeds %d bytes", MaxPasswordLen)
	}
	return nil
}

// interactive reports whether prompts can render forms.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readLine is the non-interactive fallback for all prompts.
func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// AskAddress prompts for the server address.
func AskAddress(def string) (string, error) {
	if !interactive() {
		s, err := readLine(fmt.Sprintf("Server address [%s]: ", def))
		if err != nil {
			return "", err
		}
		if s == "" {
			s = def
		}
		return s, ValidateAddress(s)
	}

	value := def
	input := huh.NewInput().
		Title("Server address").
		Description("IP address or host name of the receiver").
		Value(&value).
		Validate(ValidateAddress)
	if err := huh.NewForm(huh.NewGroup(input)).Run(); err != nil {
		return "", err
	}
	return value, nil
}

// AskPort prompts for a TCP port.
func AskPort(def int) (int, error) {
	if !interactive() {
		s, err := readLine(fmt.Sprintf("Port [%d]: ", def))
		if err != nil {
			return 0, err
		}
		if s == "" {
			return def, nil
		}
		if err := ValidatePort(s); err != nil {
			return 0, err
		}
		return strconv.Atoi(s)
	}

	value := strconv.Itoa(def)
	input := huh.NewInput().
		Title("Port").
		Description("TCP port between 1 and 65535").
		Value(&value).
		Validate(ValidatePort)
	if err := huh.NewForm(huh.NewGroup(input)).Run(); err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(value))
}

// AskPassword prompts for the shared password without echoing it. The
// returned buffer is owned by the caller, who must wipe it after key
// derivation.
func AskPassword(prompt string) ([]byte, error) {
	if interactive() {
		fmt.Print(prompt)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		// Length checks only; stringifying the password would leave an
		// unwipeable copy behind.
		if len(pw) == 0 {
			return nil, errors.New("password must not be empty")
		}
		if len(pw) > MaxPasswordLen {
			return nil, fmt.Errorf("password exceeds %d bytes", MaxPasswordLen)
		}
		return pw, nil
	}

	s, err := readLine(prompt)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// AskFileName prompts for the file to send, offering the files in the
// current directory as suggestions.
func AskFileName(files []string) (string, error) {
	if !interactive() {
		s, err := readLine("File to send: ")
		if err != nil {
			return "", err
		}
		return s, ValidateFileName(s)
	}

	var value string
	input := huh.NewInput().
		Title("File to send").
		Description(fmt.Sprintf("max %d characters", record.MaxFileNameLen)).
		Suggestions(files).
		Value(&value).
		Validate(ValidateFileName)
	if err := huh.NewForm(huh.NewGroup(input)).Run(); err != nil {
		return "", err
	}
	return value, nil
}
