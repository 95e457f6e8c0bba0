// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/VigilKeeper/pkg/ux"
)

var errNotInteractive = errors.New("no terminal to prompt on; pass the value as an argument")

// validateMobile accepts 6 to 20 digits.
func validateMobile(s string) error {
	s = strings.TrimSpace(s)
	if len(s) < 6 || len(s) > 20 {
		return errors.New("enter 6 to 20 digits")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return errors.New("digits only")
		}
	}
	return nil
}

// promptMobile asks for a mobile number on the terminal.
func promptMobile() (string, error) {
	if !ux.IsInteractive(os.Stdin) {
		return "", errNotInteractive
	}
	var mobile string
	err := huh.NewInput().
		Title("Mobile number").
		Placeholder("13800000000").
		Value(&mobile).
		Validate(validateMobile).
		Run()
	return strings.TrimSpace(mobile), err
}

// confirm asks a yes/no question. assumeYes skips the prompt, and a
// non-interactive stdin without assumeYes refuses.
func confirm(title string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !ux.IsInteractive(os.Stdin) {
		return false, errNotInteractive
	}
	var yes bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Delete").
		Negative("Keep").
		Value(&yes).
		Run()
	return yes, err
}
