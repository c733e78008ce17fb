//go:build !unix

package service

import "os/exec"

func setProcAttr(_ *exec.Cmd) {}
