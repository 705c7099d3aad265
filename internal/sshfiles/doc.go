// Package sshfiles lists remote directories over SSH exec and parses the
// long-format listing into [RemoteFileEntry] values.
//
// The listing command pins the locale and the timestamp layout:
//
//	LC_ALL=C ls -la -h --time-style=+'%Y-%m-%d %H:%M' -- '<dir>'
//
// so each line has the shape
//
//	-rw-r--r-- 1 alice staff 1.2K 2024-01-20 10:30 notes.txt
//
// [ParseListing] is lenient: lines that do not fit the layout (device files,
// foreign locales, ACL markers it does not know) are dropped, but the number
// of dropped lines is returned so callers can surface it.
package sshfiles
