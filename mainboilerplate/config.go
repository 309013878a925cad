package mainboilerplate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// MustParseConfig parses |parser| from an optional INI file named
// |configName|, then from environment bindings and argument flags. The first
// of ConfigPaths which holds the INI file is used.
func MustParseConfig(parser *flags.Parser, configName string) {
	// INI files may carry options of other sub-commands.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var ini = flags.NewIniParser(parser)
	for _, path := range ConfigPaths(configName) {
		var err = ini.ParseFile(path)
		if err == nil {
			log.WithField("path", path).Debug("parsed config file")
			break
		} else if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	parser.Options = origOptions
	MustParseArgs(parser)
}

// ConfigPaths returns candidate paths of the INI file |configName|, in order:
//   - The current working directory.
//   - ~/.config/shardkv, under $HOME or %UserProfile%.
//   - $APPLICATION_CONFIG_ROOT, if set.
func ConfigPaths(configName string) []string {
	var out = []string{
		configName,
		filepath.Join(os.Getenv("HOME"), ".config", "shardkv", configName),
		filepath.Join(os.Getenv("UserProfile"), ".config", "shardkv", configName),
	}
	if root := os.Getenv("APPLICATION_CONFIG_ROOT"); root != "" {
		out = append(out, filepath.Join(root, configName))
	}
	return out
}

// MustParseArgs parses argument flags of |parser|, or exits.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// The configuration struct itself is malformed.
		panic(err)

	case flags.ErrCommandRequired:
		os.Stderr.WriteString("\n")
		writeUsage(parser)

	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			writeUsage(parser)
		}

	default:
		// go-flags has already printed the input error.
	}
	os.Exit(1)
}

func writeUsage(parser *flags.Parser) {
	parser.WriteHelp(os.Stderr)
	fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
}

// AddPrintConfigCmd to the Parser. The "print-config" command helps users test
// whether their applications are correctly configured, by exporting all runtime
// configuration in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	WriteConfig(os.Stdout, p.Parser)
	return nil
}

// WriteConfig writes the parsed configuration of |parser| to |w| in INI
// format, including defaults and descriptions.
func WriteConfig(w io.Writer, parser *flags.Parser) {
	var ini = flags.NewIniParser(parser)
	ini.Write(w, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
}
