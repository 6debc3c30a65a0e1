// Package configure binds a flag.FlagSet onto the fields of a struct by
// reflection, the way failmail's config loader bound a key=value file onto
// its Config. The core's external surface is three flags (--port,
// --threads, --help), so the file-backed half of that loader (ConfigParser,
// ReadConfig, Write) has no job here; what's kept is the struct-tag/flag
// binding, generalized with a "required" tag so a missing --port is
// reported the same way a parse error is.
package configure

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

var normalizeFlagPattern = regexp.MustCompile("([a-z])([A-Z])")

type field struct {
	Definition reflect.StructField
	Value      reflect.Value
}

func fields(structPointer interface{}) []*field {
	result := make([]*field, 0)

	pointerValue := reflect.ValueOf(structPointer)
	structValue := pointerValue.Elem()
	structType := structValue.Type()

	for i := 0; i < structType.NumField(); i++ {
		fieldType := structType.Field(i)
		fieldValue := structValue.Field(i)
		result = append(result, &field{fieldType, fieldValue})
	}
	return result
}

func normalizeFlag(name string) string {
	name = strings.Replace(name, "_", "-", -1)
	return strings.ToLower(normalizeFlagPattern.ReplaceAllString(name, "$1-$2"))
}

func buildFlagSet(flagsWithDefaults interface{}, errorHandling flag.ErrorHandling) (*flag.FlagSet, map[string]*field) {
	flagset := flag.NewFlagSet(os.Args[0], errorHandling)

	byName := make(map[string]*field, 0)
	for _, f := range fields(flagsWithDefaults) {
		name := normalizeFlag(f.Definition.Name)
		help := string(f.Definition.Tag.Get("help"))
		byName[name] = f

		switch {
		case reflect.TypeOf("").AssignableTo(f.Definition.Type):
			flagset.String(name, f.Value.Interface().(string), help)
		case reflect.TypeOf(true).AssignableTo(f.Definition.Type):
			flagset.Bool(name, f.Value.Interface().(bool), help)
		case reflect.TypeOf(uint(0)).AssignableTo(f.Definition.Type):
			flagset.Uint(name, f.Value.Interface().(uint), help)
		case reflect.TypeOf(0).AssignableTo(f.Definition.Type):
			flagset.Int(name, f.Value.Interface().(int), help)
		default:
			panic(fmt.Sprintf("configure: no flag type for field %s (%s)", f.Definition.Name, f.Definition.Type))
		}
	}

	return flagset, byName
}

// Parse binds os.Args[1:] onto the exported fields of flagsWithDefaults,
// using each field's lower-kebab name as the flag name (ThreadCount ->
// thread-count) and its `help` tag as the flag's usage string. A field
// tagged `required:"true"` whose flag was never supplied on the command
// line is reported as an error rather than silently left at its zero
// value, unless --help was given. name is used in the usage banner
// printed on --help or a parse error.
func Parse(flagsWithDefaults interface{}, name string) error {
	flagset, byName := buildFlagSet(flagsWithDefaults, flag.ContinueOnError)
	flagset.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\nUsage of %s:\n", name, os.Args[0])
		flagset.PrintDefaults()
	}

	if err := flagset.Parse(os.Args[1:]); err != nil {
		return err
	}

	seen := make(map[string]bool, 0)
	flagset.Visit(func(f *flag.Flag) { seen[f.Name] = true })

	helpRequested := false
	if h := flagset.Lookup("help"); h != nil && h.Value.String() == "true" {
		helpRequested = true
		flagset.Usage()
	}

	for flagName, f := range byName {
		if !helpRequested && f.Definition.Tag.Get("required") == "true" && !seen[flagName] {
			return fmt.Errorf("--%s is required", flagName)
		}
	}

	flagset.VisitAll(func(f *flag.Flag) {
		if fld, ok := byName[f.Name]; ok {
			fld.Value.Set(reflect.ValueOf(f.Value.(flag.Getter).Get()))
		}
	})

	return nil
}
