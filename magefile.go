// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/magefile/mage/mg"
	_ "github.com/maxbrunsfeld/counterfeiter/v6"

	"github.com/livekit/mageutil"

	"github.com/livekit/meshroom/version"
)

const (
	goChecksumFile = ".checksumgo"
	binaryName     = "meshroom"
	imageName      = "livekit/meshroom"
)

var (
	Default     = Build
	checksummer = mageutil.NewChecksummer(".", goChecksumFile, ".go", ".mod")
	tools       = map[string]string{
		"github.com/google/wire/cmd/wire":          "latest",
		"github.com/maxbrunsfeld/counterfeiter/v6": "latest",
	}
)

func init() {
	checksummer.IgnoredPaths = []string{
		"pkg/service/wire_gen.go",
		"pkg/rtc/types/typesfakes",
		"pkg/routing/routingfakes",
	}
}

// explicitly reinstall all deps
func Deps() error {
	return installTools(true)
}

// builds meshroom for the host platform
func Build() error {
	mg.Deps(generateWire)
	return buildBinary(binaryName, nil)
}

// builds meshroom for linux/amd64 and linux/arm64
func BuildLinux() error {
	mg.Deps(generateWire)
	for _, arch := range []string{"amd64", "arm64"} {
		env := []string{"GOOS=linux", "GOARCH=" + arch, "CGO_ENABLED=0"}
		if err := buildBinary(fmt.Sprintf("%s-linux-%s", binaryName, arch), env); err != nil {
			return err
		}
	}
	return nil
}

func buildBinary(name string, env []string) error {
	if env == nil && !checksummer.IsChanged() {
		fmt.Println("up to date")
		return nil
	}

	fmt.Printf("building %s v%s...\n", name, version.Version)
	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}
	out, err := filepath.Abs(filepath.Join("bin", name))
	if err != nil {
		return err
	}
	cmd := mageutil.CommandDir(context.Background(), "cmd/server", "go build -buildvcs=false -o "+out)
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}
	if err := cmd.Run(); err != nil {
		return err
	}

	if env == nil {
		checksummer.WriteChecksum()
	}
	return nil
}

// builds the docker image for the current version
func Docker() error {
	mg.Deps(BuildLinux)
	cmd := exec.Command("docker", "build",
		"--tag", fmt.Sprintf("%s:v%s", imageName, version.Version),
		".")
	mageutil.ConnectStd(cmd)
	return cmd.Run()
}

// run unit tests, skipping the media loopback tests
func Test() error {
	mg.Deps(generateWire, setULimit)
	return mageutil.Run(context.Background(), "go test -short ./... -count=1")
}

// run all tests with the race detector
func TestAll() error {
	mg.Deps(generateWire, setULimit)
	return mageutil.Run(context.Background(), "go test -race ./... -count=1 -timeout=4m")
}

// cleans up builds
func Clean() {
	fmt.Println("cleaning...")
	_ = os.RemoveAll("bin")
	_ = os.Remove(goChecksumFile)
}

// regenerate wiring and fakes
func Generate() error {
	mg.Deps(installDeps, generateWire)

	fmt.Println("generating...")
	return mageutil.Run(context.Background(), "go generate ./pkg/...")
}

func generateWire() error {
	mg.Deps(installDeps)
	if !checksummer.IsChanged() {
		return nil
	}

	fmt.Println("wiring...")
	wire, err := mageutil.GetToolPath("wire")
	if err != nil {
		return err
	}
	cmd := exec.Command(wire)
	cmd.Dir = "pkg/service"
	mageutil.ConnectStd(cmd)
	return cmd.Run()
}

func installDeps() error {
	return installTools(false)
}

func installTools(force bool) error {
	for t, v := range tools {
		if err := mageutil.InstallTool(t, v, force); err != nil {
			return err
		}
	}
	return nil
}
