//go:build !windows

package main

import "errors"

func verifySystem(string) error {
	return errors.New("not supported on this platform")
}
