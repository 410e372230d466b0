package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Repeatable flags. Each use of the flag appends one value, in order.

type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

type intList []int

func (l *intList) String() string {
	return fmt.Sprint([]int(*l))
}

func (l *intList) Set(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%q is not an integer", value)
	}
	*l = append(*l, n)
	return nil
}

type boolList []bool

func (l *boolList) String() string {
	return fmt.Sprint([]bool(*l))
}

func (l *boolList) Set(value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%q is not a boolean", value)
	}
	*l = append(*l, b)
	return nil
}

// Stage runner options given as a JSON object, plus the flags that map onto runner options.
func runnerOptions(raw string, monitor bool, monitorIntervalMs int) (map[string]any, error) {
	options := map[string]any{}
	if raw != "" {
		err := json.Unmarshal([]byte(raw), &options)
		if err != nil {
			return nil, fmt.Errorf("runner-options must be a JSON object: %w", err)
		}
	}
	if monitor {
		options["Monitor"] = true
		options["MonitorIntervalMs"] = monitorIntervalMs
	}
	return options, nil
}
