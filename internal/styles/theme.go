package styles

import "github.com/charmbracelet/lipgloss"

// Theme defines a complete color scheme for the application
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Accent    lipgloss.Color

	BgSurface  lipgloss.Color
	BgElevated lipgloss.Color

	TextPrimary   lipgloss.Color
	TextSecondary lipgloss.Color
	TextMuted     lipgloss.Color

	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Info    lipgloss.Color

	Border lipgloss.Color
}

var DarkTheme = Theme{
	Primary:   lipgloss.Color("#B39DDB"),
	Secondary: lipgloss.Color("#90CAF9"),
	Accent:    lipgloss.Color("#7C4DFF"),

	BgSurface:  lipgloss.Color("#141419"),
	BgElevated: lipgloss.Color("#1E1E2E"),

	TextPrimary:   lipgloss.Color("#E0E0E0"),
	TextSecondary: lipgloss.Color("#888888"),
	TextMuted:     lipgloss.Color("#545454"),

	Success: lipgloss.Color("#A5D6A7"),
	Warning: lipgloss.Color("#FFCC80"),
	Error:   lipgloss.Color("#EF9A9A"),
	Info:    lipgloss.Color("#81D4FA"),

	Border: lipgloss.Color("#333333"),
}

var LightTheme = Theme{
	Primary:   lipgloss.Color("#5E35B1"),
	Secondary: lipgloss.Color("#1E88E5"),
	Accent:    lipgloss.Color("#651FFF"),

	BgSurface:  lipgloss.Color("#FFFFFF"),
	BgElevated: lipgloss.Color("#F4F4F5"),

	TextPrimary:   lipgloss.Color("#333333"),
	TextSecondary: lipgloss.Color("#52525B"),
	TextMuted:     lipgloss.Color("#A1A1AA"),

	Success: lipgloss.Color("#2E7D32"),
	Warning: lipgloss.Color("#EF6C00"),
	Error:   lipgloss.Color("#C62828"),
	Info:    lipgloss.Color("#0277BD"),

	Border: lipgloss.Color("#E4E4E7"),
}

// CurrentTheme holds the active theme (set at runtime based on terminal)
var CurrentTheme = DarkTheme

type Adaptive = lipgloss.AdaptiveColor

func adaptive(light, dark lipgloss.Color) Adaptive {
	return Adaptive{Light: string(light), Dark: string(dark)}
}

var (
	FgPrimary   = adaptive(LightTheme.Primary, DarkTheme.Primary)
	FgSecondary = adaptive(LightTheme.Secondary, DarkTheme.Secondary)
	FgText      = adaptive(LightTheme.TextPrimary, DarkTheme.TextPrimary)
	FgMuted     = adaptive(LightTheme.TextMuted, DarkTheme.TextMuted)
	FgError     = adaptive(LightTheme.Error, DarkTheme.Error)
	FgSuccess   = adaptive(LightTheme.Success, DarkTheme.Success)
	FgWarning   = adaptive(LightTheme.Warning, DarkTheme.Warning)
	Accent      = adaptive(LightTheme.Accent, DarkTheme.Accent)

	BgElevated  = adaptive(LightTheme.BgElevated, DarkTheme.BgElevated)
	BorderColor = adaptive(LightTheme.Border, DarkTheme.Border)
)

// InitTheme sets the current theme based on terminal background and returns
// the matching glamour style name.
func InitTheme() string {
	if lipgloss.HasDarkBackground() {
		CurrentTheme = DarkTheme
		return "dark"
	}
	CurrentTheme = LightTheme
	return "light"
}
