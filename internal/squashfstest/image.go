// Copyright 2025 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package squashfstest builds small squashfs images for tests. It uses the
mksquashfs tool from squashfs-tools when installed, and otherwise falls back
to building the image in Go using [go-diskfs].

[go-diskfs]: https://github.com/diskfs/go-diskfs
*/
package squashfstest

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/diskfs/go-diskfs/filesystem/squashfs"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// Images built by [Image] contain a single file GreetingFile with Greeting as
// its contents.
const (
	GreetingFile = "hello.txt"
	Greeting     = "Hello from inside squashfs\n"
)

// Pad is the number of zero bytes [Image] prepends to an image when asked to.
const Pad = 4096

// Image builds a squashfs image containing [GreetingFile] in a fresh
// temporary directory, returning the image path. If padded is true, the image
// file starts with [Pad] zero bytes before the squashfs superblock.
func Image(padded bool) string {
	GinkgoHelper()

	tmp := GinkgoT().TempDir()
	sqfs := filepath.Join(tmp, "image.sqfs")
	if mksquashfs, err := exec.LookPath("mksquashfs"); err == nil {
		build(mksquashfs, tmp, sqfs)
	} else {
		compose(sqfs)
	}
	if !padded {
		return sqfs
	}

	raw, err := os.ReadFile(sqfs)
	Expect(err).NotTo(HaveOccurred())
	padsqfs := filepath.Join(tmp, "padded.sqfs")
	Expect(os.WriteFile(padsqfs, append(make([]byte, Pad), raw...), 0o644)).To(Succeed())
	return padsqfs
}

// build the squashfs image using mksquashfs.
func build(mksquashfs, tmp, sqfs string) {
	GinkgoHelper()

	content := filepath.Join(tmp, "content")
	Expect(os.Mkdir(content, 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(content, GreetingFile), []byte(Greeting), 0o644)).
		To(Succeed())
	out, err := exec.Command(mksquashfs, content, sqfs, "-noappend", "-quiet").
		CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), "mksquashfs failed: %s", out)
}

// compose the squashfs image in Go.
func compose(sqfs string) {
	GinkgoHelper()

	f, err := os.Create(sqfs)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = f.Close() }()

	fs, err := squashfs.Create(f, 0, 0, 0)
	Expect(err).NotTo(HaveOccurred(), "cannot create squashfs filesystem")
	greeting, err := fs.OpenFile("/"+GreetingFile, os.O_CREATE|os.O_RDWR)
	Expect(err).NotTo(HaveOccurred())
	_, err = greeting.Write([]byte(Greeting))
	Expect(err).NotTo(HaveOccurred())
	Expect(greeting.Close()).To(Succeed())
	Expect(fs.Finalize(squashfs.FinalizeOptions{})).To(Succeed())
}
