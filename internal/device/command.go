package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Android key codes for the named keys accepted from clients.
const (
	KeyHome       = 3
	KeyBack       = 4
	KeyVolumeUp   = 24
	KeyVolumeDown = 25
	KeyPower      = 26
	KeyMenu       = 82
	KeyWakeup     = 224
)

const (
	scrollDistance    = 200
	longPressDuration = 800 * time.Millisecond
	maxKeyCode        = 400
)

var namedKeys = map[string]int{
	"HOME":        KeyHome,
	"BACK":        KeyBack,
	"VOLUME_UP":   KeyVolumeUp,
	"VOLUME_DOWN": KeyVolumeDown,
	"POWER":       KeyPower,
	"MENU":        KeyMenu,
	"WAKEUP":      KeyWakeup,
}

// ErrInvalidCommand is returned for commands that cannot be sent.
var ErrInvalidCommand = errors.New("invalid control command")

// Command is an input event forwarded to a device. The set of
// implementations is closed: Tap, Swipe, KeyEvent and TextInput.
type Command interface {
	// Kind names the command for logs.
	Kind() string
	// inputArgs returns the arguments of the remote "input" invocation.
	inputArgs() ([]string, error)
}

// Tap touches a single point.
type Tap struct {
	X, Y int
}

func (Tap) Kind() string { return "tap" }

func (c Tap) inputArgs() ([]string, error) {
	if c.X < 0 || c.Y < 0 {
		return nil, fmt.Errorf("%w: negative tap coordinates", ErrInvalidCommand)
	}
	return []string{"tap", strconv.Itoa(c.X), strconv.Itoa(c.Y)}, nil
}

// Swipe drags from one point to another. A zero Duration uses the device
// default.
type Swipe struct {
	X1, Y1, X2, Y2 int
	Duration       time.Duration
}

func (Swipe) Kind() string { return "swipe" }

func (c Swipe) inputArgs() ([]string, error) {
	if c.X1 < 0 || c.Y1 < 0 || c.X2 < 0 || c.Y2 < 0 {
		return nil, fmt.Errorf("%w: negative swipe coordinates", ErrInvalidCommand)
	}
	args := []string{"swipe",
		strconv.Itoa(c.X1), strconv.Itoa(c.Y1),
		strconv.Itoa(c.X2), strconv.Itoa(c.Y2),
	}
	if c.Duration > 0 {
		args = append(args, strconv.FormatInt(c.Duration.Milliseconds(), 10))
	}
	return args, nil
}

// KeyEvent presses an Android key code.
type KeyEvent struct {
	Code int
}

func (KeyEvent) Kind() string { return "key" }

func (c KeyEvent) inputArgs() ([]string, error) {
	if c.Code < 0 || c.Code > maxKeyCode {
		return nil, fmt.Errorf("%w: key code %d out of range", ErrInvalidCommand, c.Code)
	}
	return []string{"keyevent", strconv.Itoa(c.Code)}, nil
}

// TextInput types text into the focused field.
type TextInput struct {
	Text string
}

func (TextInput) Kind() string { return "text" }

func (c TextInput) inputArgs() ([]string, error) {
	if c.Text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrInvalidCommand)
	}
	return []string{"text", quoteInputText(c.Text)}, nil
}

// quoteInputText prepares text for "input text" on the device. adb joins
// shell arguments into one remote command line, so the value is single
// quoted for the remote shell; "input text" itself reads %s as a space.
func quoteInputText(text string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range text {
		switch {
		case r == '\'':
			b.WriteString(`'\''`)
		case unicode.IsSpace(r):
			b.WriteString("%s")
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// LongPress holds a point by swiping in place.
func LongPress(x, y int) Swipe {
	return Swipe{X1: x, Y1: y, X2: x, Y2: y, Duration: longPressDuration}
}

// Scroll swipes 200 px from (x, y) in the given direction: up, down, left or
// right.
func Scroll(x, y int, direction string) (Swipe, error) {
	s := Swipe{X1: x, Y1: y, X2: x, Y2: y}
	switch strings.ToLower(direction) {
	case "up":
		s.Y2 = max(y-scrollDistance, 0)
	case "down":
		s.Y2 = y + scrollDistance
	case "left":
		s.X2 = max(x-scrollDistance, 0)
	case "right":
		s.X2 = x + scrollDistance
	default:
		return Swipe{}, fmt.Errorf("%w: unknown scroll direction %q", ErrInvalidCommand, direction)
	}
	return s, nil
}

// Touch maps a client touch action (tap, long_press, scroll_up, scroll_down,
// scroll_left, scroll_right) at (x, y) to a Command. An empty action is a tap.
func Touch(action string, x, y int) (Command, error) {
	switch action {
	case "", "tap":
		return Tap{X: x, Y: y}, nil
	case "long_press":
		return LongPress(x, y), nil
	}
	if dir, ok := strings.CutPrefix(action, "scroll_"); ok {
		return Scroll(x, y, dir)
	}
	return nil, fmt.Errorf("%w: unknown touch action %q", ErrInvalidCommand, action)
}

// NamedKey resolves a key name such as BACK or HOME.
func NamedKey(name string) (KeyEvent, error) {
	code, ok := namedKeys[strings.ToUpper(name)]
	if !ok {
		return KeyEvent{}, fmt.Errorf("%w: unknown key %q", ErrInvalidCommand, name)
	}
	return KeyEvent{Code: code}, nil
}
