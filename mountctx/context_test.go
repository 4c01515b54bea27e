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

package mountctx_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/freddierice/go-losetup/v2"
	"github.com/thediveo/squashfs-mount/internal/squashfstest"
	"github.com/thediveo/squashfs-mount/mntns"
	"github.com/thediveo/squashfs-mount/mountctx"
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/fdooze"
	. "github.com/thediveo/success"
)

type fakeLoop struct {
	path     string
	detached bool
	closed   bool
}

func (l *fakeLoop) Path() string { return l.path }

func (l *fakeLoop) Detach() error {
	l.detached = true
	return nil
}

func (l *fakeLoop) Close() error {
	l.closed = true
	return nil
}

type mountCall struct {
	Device, Target, FSType, Options string
}

// throwaway runs fn synchronously on a separate go routine that is locked to
// its OS-level thread, never unlocking it.
func throwaway(fn func()) {
	GinkgoHelper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer GinkgoRecover()
		runtime.LockOSThread()
		fn()
	}()
	Eventually(done).Within(10 * time.Second).Should(BeClosed())
}

var _ = Describe("mount context", func() {

	var (
		loop       *fakeLoop
		attachErr  error
		attached   []string
		mounts     []mountCall
		mountErr   error
		detachedOK bool
	)

	BeforeEach(func() {
		loop = &fakeLoop{path: "/dev/loop42"}
		attachErr = nil
		attached = nil
		mounts = nil
		mountErr = nil
		detachedOK = true

		mountctx.ReplaceHooks(mountctx.Hooks{
			Getuid: func() int { return 0 },
			MustBeDetached: func() error {
				if !detachedOK {
					return mntns.ErrNotDetached
				}
				return nil
			},
			AttachLoop: func(backing string, offset uint64) (mountctx.LoopDevice, error) {
				attached = append(attached, fmt.Sprintf("%s@%d", backing, offset))
				if attachErr != nil {
					return nil, attachErr
				}
				return loop, nil
			},
			MountFS: func(device, target, fstype, options string) error {
				mounts = append(mounts, mountCall{device, target, fstype, options})
				return mountErr
			},
		})
	})

	newContext := func(opts string) *mountctx.Context {
		GinkgoHelper()
		mctx := Successful(mountctx.New())
		Expect(mctx.DisableMtab()).To(Succeed())
		Expect(mctx.SetFSType(mountctx.FSType)).To(Succeed())
		Expect(mctx.AppendOptions(opts)).To(Succeed())
		Expect(mctx.SetSource("/images/foo.sqfs")).To(Succeed())
		Expect(mctx.SetTarget("/mnt/foo")).To(Succeed())
		return mctx
	}

	It("requires root", func() {
		mountctx.ReplaceHooks(mountctx.Hooks{Getuid: func() int { return 1000 }})
		Expect(mountctx.New()).Error().To(MatchError(mountctx.ErrNotPrivileged))
	})

	It("rejects invalid parameters", func() {
		mctx := Successful(mountctx.New())
		Expect(mctx.SetFSType("ext4")).To(MatchError(ContainSubstring(`unsupported filesystem type "ext4"`)))
		Expect(mctx.SetSource("")).NotTo(Succeed())
		Expect(mctx.SetSourceFd(-1)).NotTo(Succeed())
		Expect(mctx.SetTarget("")).NotTo(Succeed())
		Expect(mctx.AppendOptions("loop,rw")).To(HaveOccurred())
		Expect(mctx.Options()).To(BeZero(), "options must stay unchanged when rejected")
	})

	It("appends options", func() {
		mctx := Successful(mountctx.New())
		Expect(mctx.AppendOptions("loop,nosuid")).To(Succeed())
		Expect(mctx.AppendOptions("nodev,ro,offset=4096")).To(Succeed())
		Expect(mctx.Options().String()).To(Equal("loop,nosuid,nodev,ro,offset=4096"))
	})

	DescribeTable("refusing to mount incompletely set up contexts",
		func(setup func(*mountctx.Context), expected string) {
			mctx := Successful(mountctx.New())
			setup(mctx)
			Expect(mctx.Mount()).To(MatchError(ContainSubstring(expected)))
			Expect(attached).To(BeEmpty())
			Expect(mounts).To(BeEmpty())
		},
		Entry("no fstype", func(c *mountctx.Context) {}, "no filesystem type set"),
		Entry("no source", func(c *mountctx.Context) {
			_ = c.SetFSType(mountctx.FSType)
		}, "no source set"),
		Entry("no target", func(c *mountctx.Context) {
			_ = c.SetFSType(mountctx.FSType)
			_ = c.SetSource("/foo")
		}, "no target set"),
		Entry("writable", func(c *mountctx.Context) {
			_ = c.SetFSType(mountctx.FSType)
			_ = c.SetSource("/foo")
			_ = c.SetTarget("/bar")
			_ = c.AppendOptions("loop,nosuid,nodev")
		}, "refusing to mount without ro,nosuid,nodev"),
		Entry("suid", func(c *mountctx.Context) {
			_ = c.SetFSType(mountctx.FSType)
			_ = c.SetSource("/foo")
			_ = c.SetTarget("/bar")
			_ = c.AppendOptions("loop,nodev,ro")
		}, "refusing to mount without ro,nosuid,nodev"),
		Entry("offset without loop", func(c *mountctx.Context) {
			_ = c.SetFSType(mountctx.FSType)
			_ = c.SetSource("/foo")
			_ = c.SetTarget("/bar")
			_ = c.AppendOptions("nosuid,nodev,ro,offset=4096")
		}, "offset option requires loop option"),
	)

	It("refuses to mount in the original mount namespace", func() {
		detachedOK = false
		mctx := newContext(mountctx.Default(false))
		Expect(mctx.Mount()).To(MatchError(mntns.ErrNotDetached))
		Expect(attached).To(BeEmpty())
		Expect(mounts).To(BeEmpty())
	})

	It("mounts loop-backed, holding the loop device until mounted", func() {
		mctx := newContext(mountctx.Default(false))
		Expect(mctx.Target()).To(Equal("/mnt/foo"))
		Expect(mctx.Mount()).To(Succeed())
		Expect(attached).To(ConsistOf("/images/foo.sqfs@0"))
		Expect(mounts).To(ConsistOf(mountCall{
			Device:  "/dev/loop42",
			Target:  "/mnt/foo",
			FSType:  "squashfs",
			Options: "nosuid,nodev,ro",
		}))
		Expect(mctx.Device()).To(Equal("/dev/loop42"))
		Expect(loop.detached).To(BeFalse())
		Expect(loop.closed).To(BeTrue())

		Expect(mctx.Mount()).To(MatchError("already mounted"))
		Expect(mounts).To(HaveLen(1))
	})

	It("attaches the loop device to the open source file", func() {
		mctx := newContext(mountctx.Default(false))
		Expect(mctx.SetSourceFd(42)).To(Succeed())
		Expect(mctx.Backing()).To(Equal("/proc/self/fd/42"))
		Expect(mctx.Mount()).To(Succeed())
		Expect(attached).To(ConsistOf("/proc/self/fd/42@0"))
	})

	It("mounts loop-backed with offset", func() {
		mctx := newContext(mountctx.Default(true))
		Expect(mctx.Mount()).To(Succeed())
		Expect(attached).To(ConsistOf("/images/foo.sqfs@4096"))
	})

	It("mounts without loop", func() {
		mctx := newContext("nosuid,nodev,ro")
		Expect(mctx.Mount()).To(Succeed())
		Expect(attached).To(BeEmpty())
		Expect(mounts).To(ConsistOf(HaveField("Device", "/images/foo.sqfs")))
	})

	It("reports failing to set up the loop device", func() {
		attachErr = unix.EBUSY
		mctx := newContext(mountctx.Default(false))
		err := mctx.Mount()
		var merr *mountctx.Error
		Expect(errors.As(err, &merr)).To(BeTrue())
		Expect(merr.Op).To(Equal(mountctx.OpLoop))
		Expect(err).To(MatchError(unix.EBUSY))
		Expect(err).To(MatchError(
			"/mnt/foo: failed to setup loop device for /images/foo.sqfs: loop device busy"))
		Expect(mounts).To(BeEmpty())
	})

	It("reports failing to mount, detaching and releasing the loop device", func() {
		mountErr = fmt.Errorf("mount failed: %w", unix.EINVAL)
		mctx := newContext(mountctx.Default(false))
		err := mctx.Mount()
		Expect(err).To(MatchError(unix.EINVAL))
		Expect(err).To(MatchError(ContainSubstring(
			"/mnt/foo: wrong fs type, bad option, bad superblock on /images/foo.sqfs")))
		Expect(loop.detached).To(BeTrue())
		Expect(loop.closed).To(BeTrue())
		Expect(mctx.Device()).To(BeEmpty())
	})

})

var _ = Describe("attaching loop devices", func() {

	It("retries attaching when racing for a free loop device", func() {
		calls := 0
		mountctx.ReplaceLosetupAttach(func(string, uint64, bool) (losetup.Device, error) {
			calls++
			return losetup.Device{}, unix.EBUSY
		})
		Expect(mountctx.Attach("/images/foo.sqfs", 0)).Error().To(MatchError(unix.EBUSY))
		Expect(calls).To(Equal(mountctx.AttachAttempts))
	})

	It("doesn't retry other errors", func() {
		calls := 0
		mountctx.ReplaceLosetupAttach(func(string, uint64, bool) (losetup.Device, error) {
			calls++
			return losetup.Device{}, errors.New("could not open backing file")
		})
		Expect(mountctx.Attach("/images/foo.sqfs", 0)).Error().To(
			MatchError("could not open backing file"))
		Expect(calls).To(Equal(1))
	})

	When("being root", func() {

		BeforeEach(func() {
			if os.Getuid() != 0 {
				Skip("needs root")
			}
			goodfds := Filedescriptors()
			DeferCleanup(func() {
				Expect(Filedescriptors()).NotTo(HaveLeakedFds(goodfds))
			})
		})

		It("attaches concurrently", func() {
			image := squashfstest.Image(false)
			const attachers = 8
			var wg sync.WaitGroup
			errs := make(chan error, attachers)
			for range attachers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					dev, err := mountctx.Attach(image, 0)
					if err != nil {
						errs <- err
						return
					}
					// Without any mount, releasing our hold clears the loop
					// device.
					_ = dev.Close()
				}()
			}
			wg.Wait()
			close(errs)
			Expect(errs).To(BeEmpty())
		})

	})

})

var _ = Describe("mounting for real", func() {

	BeforeEach(func() {
		if os.Getuid() != 0 {
			Skip("needs root")
		}
	})

	// mountImage mounts the image via an open file descriptor onto the passed
	// mountpoint in a new mount namespace of the calling thread.
	mountImage := func(image, mnt string, offset bool) (*mountctx.Context, error) {
		GinkgoHelper()
		Expect(mntns.Unshare()).To(Succeed())
		Expect(mntns.Contain("/")).To(Succeed())
		fd := Successful(unix.Open(image, unix.O_RDONLY|unix.O_CLOEXEC, 0))
		defer func() { _ = unix.Close(fd) }()
		mctx := Successful(mountctx.New())
		Expect(mctx.SetFSType(mountctx.FSType)).To(Succeed())
		Expect(mctx.AppendOptions(mountctx.Default(offset))).To(Succeed())
		Expect(mctx.SetSource(image)).To(Succeed())
		Expect(mctx.SetSourceFd(fd)).To(Succeed())
		Expect(mctx.SetTarget(mnt)).To(Succeed())
		return mctx, mctx.Mount()
	}

	It("mounts an image, its loop device going with the mount", func() {
		image := squashfstest.Image(false)
		mnt := GinkgoT().TempDir()
		throwaway(func() {
			mctx, err := mountImage(image, mnt, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(os.ReadFile(filepath.Join(mnt, squashfstest.GreetingFile))).To(
				Equal([]byte(squashfstest.Greeting)))
			Expect(os.WriteFile(filepath.Join(mnt, "foo"), nil, 0o644)).To(MatchError(unix.EROFS))

			loopsys := filepath.Join("/sys/block", filepath.Base(mctx.Device()), "loop")
			Expect(os.ReadFile(filepath.Join(loopsys, "autoclear"))).To(
				WithTransform(func(b []byte) string { return strings.TrimSpace(string(b)) }, Equal("1")))

			Expect(unix.Unmount(mnt, 0)).To(Succeed())
			Eventually(func() bool {
				_, err := os.Stat(loopsys)
				return os.IsNotExist(err)
			}).Within(5*time.Second).ProbeEvery(50*time.Millisecond).Should(BeTrue(),
				"loop device wasn't cleared after unmounting")
		})
	})

	It("mounts an image at an offset", func() {
		image := squashfstest.Image(true)
		mnt := GinkgoT().TempDir()
		throwaway(func() {
			_, err := mountImage(image, mnt, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(os.ReadFile(filepath.Join(mnt, squashfstest.GreetingFile))).To(
				Equal([]byte(squashfstest.Greeting)))
		})
	})

	It("mounts the opened image, not whatever its path points to later", func() {
		image := squashfstest.Image(false)
		mnt := GinkgoT().TempDir()
		throwaway(func() {
			Expect(mntns.Unshare()).To(Succeed())
			Expect(mntns.Contain("/")).To(Succeed())
			fd := Successful(unix.Open(image, unix.O_RDONLY|unix.O_CLOEXEC, 0))
			defer func() { _ = unix.Close(fd) }()
			Expect(os.Remove(image)).To(Succeed())
			Expect(os.WriteFile(image, []byte("not a squashfs image"), 0o644)).To(Succeed())

			mctx := Successful(mountctx.New())
			Expect(mctx.SetFSType(mountctx.FSType)).To(Succeed())
			Expect(mctx.AppendOptions(mountctx.Default(false))).To(Succeed())
			Expect(mctx.SetSource(image)).To(Succeed())
			Expect(mctx.SetSourceFd(fd)).To(Succeed())
			Expect(mctx.SetTarget(mnt)).To(Succeed())
			Expect(mctx.Mount()).To(Succeed())
			Expect(os.ReadFile(filepath.Join(mnt, squashfstest.GreetingFile))).To(
				Equal([]byte(squashfstest.Greeting)))
		})
	})

})

var _ = Describe("mount errors", func() {

	DescribeTable("describing mount failures",
		func(op mountctx.Op, err error, expected string) {
			merr := &mountctx.Error{Op: op, Source: "/img", Target: "/mnt", FSType: "squashfs", Err: err}
			Expect(merr.Description()).To(Equal(expected))
			Expect(merr.Error()).To(Equal("/mnt: " + expected))
		},
		Entry(nil, mountctx.OpMount, unix.EPERM, "must be superuser to use mount"),
		Entry(nil, mountctx.OpMount, unix.EBUSY, "target is busy"),
		Entry(nil, mountctx.OpMount, unix.ENOENT, "mount point does not exist"),
		Entry(nil, mountctx.OpMount, unix.ENOTDIR, "mount point is not a directory"),
		Entry(nil, mountctx.OpMount, unix.ENODEV, "unknown filesystem type 'squashfs'"),
		Entry(nil, mountctx.OpMount, unix.ENOTBLK, "/img is not a block device"),
		Entry(nil, mountctx.OpMount, unix.EROFS, "cannot mount /img read-write, is write-protected"),
		Entry(nil, mountctx.OpMount, unix.EMFILE, "mount table full"),
		Entry(nil, mountctx.OpMount, unix.ELOOP, "mount(2) system call failed: "+unix.ELOOP.Error()),
		Entry(nil, mountctx.OpMount, errors.New("no mount for you"), "no mount for you"),
		Entry(nil, mountctx.OpLoop, unix.EBUSY, "failed to setup loop device for /img: loop device busy"),
		Entry(nil, mountctx.OpLoop, fmt.Errorf("cannot open loop device /dev/loop7, reason: %w", unix.EACCES),
			"failed to setup loop device for /img: permission denied"),
		Entry(nil, mountctx.OpLoop, errors.New("could not set info"),
			"failed to setup loop device for /img: could not set info"),
	)

	It("doesn't describe the absence of a cause", func() {
		Expect((&mountctx.Error{}).Description()).To(BeEmpty())
	})

})
