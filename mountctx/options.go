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

package mountctx

import (
	"fmt"
	"strings"
)

// Offset is the only loop device offset we accept, in bytes.
const Offset = 4096

// Options are the mount options of a [Context], split into the options for
// setting up the loop device and the options for the mount itself.
type Options struct {
	Loop   bool
	Offset uint64
	NoSUID bool
	NoDev  bool
	RO     bool
}

// Default returns the option string for mounting a squashfs image,
// optionally with the image starting at [Offset] bytes into the file.
func Default(offset bool) string {
	if offset {
		return fmt.Sprintf("loop,nosuid,nodev,ro,offset=%d", Offset)
	}
	return "loop,nosuid,nodev,ro"
}

// parse the comma-separated options, merging them into o.
func (o *Options) parse(opts string) error {
	for opt := range strings.SplitSeq(opts, ",") {
		switch opt {
		case "":
			continue
		case "loop":
			o.Loop = true
		case "nosuid":
			o.NoSUID = true
		case "nodev":
			o.NoDev = true
		case "ro":
			o.RO = true
		default:
			value, ok := strings.CutPrefix(opt, "offset=")
			if !ok {
				return fmt.Errorf("unsupported mount option %q", opt)
			}
			if value != fmt.Sprint(Offset) {
				return fmt.Errorf("unsupported offset %q, only %d is supported", value, Offset)
			}
			o.Offset = Offset
		}
	}
	return nil
}

// mountOptions returns the options string for the mount itself, lacking any
// loop device-related options.
func (o Options) mountOptions() string {
	var opts []string
	if o.NoSUID {
		opts = append(opts, "nosuid")
	}
	if o.NoDev {
		opts = append(opts, "nodev")
	}
	if o.RO {
		opts = append(opts, "ro")
	}
	return strings.Join(opts, ",")
}

// String returns the options in textual form.
func (o Options) String() string {
	var opts []string
	if o.Loop {
		opts = append(opts, "loop")
	}
	if m := o.mountOptions(); m != "" {
		opts = append(opts, m)
	}
	if o.Offset != 0 {
		opts = append(opts, fmt.Sprintf("offset=%d", o.Offset))
	}
	return strings.Join(opts, ",")
}
