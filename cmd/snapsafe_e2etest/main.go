// cmd/snapsafe_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// snapsafe_e2etest repeatedly modifies a directory tree at random, backs
// it up with the snapsafe binary (optionally killing it partway through),
// restores the latest snapshot and checks that the result matches.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var nDirs = 1

const E2EDir = "/tmp/snapsafe_e2e"

func main() {
	seed := os.Getpid()
	log.Printf("Seed %d", seed)
	rng = rand.New(rand.NewSource(int64(seed)))

	_ = os.RemoveAll(E2EDir)
	_ = os.Mkdir(E2EDir, 0700)
	os.Setenv("SNAPSAFE_REGISTRY_DIR", filepath.Join(E2EDir, "registry"))
	os.Setenv("SNAPSAFE_PASSWORD", "foobar")
	compression := []string{"none", "gzip", "zlib", "brotli", "zstd", "lzma"}[rng.Intn(6)]
	backupTest(compression, randBool(), 20)
}

var rng *rand.Rand

func randBool() bool {
	return rng.Float32() < .5
}

func expSize() int64 {
	logSize := rng.Intn(24) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rng.Int63n(s)
	}
	return s
}

func getCommand(c string, varargs ...string) *exec.Cmd {
	args := strings.Fields(c)
	cmd := args[0]
	args = args[1:]
	args = append(args, varargs...)
	return exec.Command(cmd, args...)
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	return cmd.CombinedOutput()
}

func runButPossiblyKill(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}

	killed := false
	if (rng.Int() % 2) == 1 {
		logMs := uint(rng.Intn(16))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Printf("Will try to kill process in %s", wait)

		time.AfterFunc(wait, func() {
			err := cmd.Process.Kill()
			if err != nil {
				log.Printf("Kill error! %v", err)
			} else {
				log.Printf("Killed process sucessfully")
				killed = true
			}
		})
	}

	err := cmd.Wait()
	if err != nil {
		log.Printf("Wait result %v", err)
	}
	if killed {
		err := filepath.Walk(E2EDir,
			func(path string, info os.FileInfo, err error) error {
				if err == nil && strings.HasSuffix(path, ".tmp") {
					log.Printf("Removing %s", path)
					return os.Remove(path)
				}
				return nil
			})
		if err != nil {
			log.Fatal(err)
		}
		return nil, errKilled
	}
	return out.Bytes(), err
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

var createdFiles = make(map[string]bool)

func backupTest(compression string, randomlyKill bool, iters int) {
	tmpSrc, err := os.MkdirTemp("", "snapsafe-test-src")
	if err != nil {
		log.Fatalf("%s", err)
	}
	log.Printf("Local src directory: %s", tmpSrc)
	defer os.RemoveAll(tmpSrc)

	tmpRestore, err := os.MkdirTemp("", "snapsafe-test-restore")
	if err != nil {
		log.Fatalf("%s", err)
	}
	log.Printf("Local restore directory: %s", tmpRestore)
	defer os.RemoveAll(tmpRestore)

	dest := filepath.Join(E2EDir, "dest")
	for i := 0; i < iters; i++ {
		// Make sure that modification times of files changed in this
		// iteration differ from those recorded by the last backup.
		time.Sleep(10 * time.Millisecond)

		if err := update(tmpSrc); err != nil {
			log.Fatalf("%s\n", err)
		}

		if err := backup(tmpSrc, dest, compression, randomlyKill); err != nil {
			log.Fatalf("%s\n", err)
		}

		if err := restore(dest, tmpRestore); err != nil {
			log.Fatalf("%s\n", err)
		}

		if err = compare(tmpSrc, tmpRestore); err != nil {
			log.Fatalf("%s", err)
		}
	}

	if out, err := runCommand("snapsafe fsck --origin " + dest); err != nil {
		log.Fatalf("fsck: %s\n%s", err, out)
	}
	if out, err := runCommand("snapsafe list"); err != nil {
		log.Fatalf("list: %s\n%s", err, out)
	} else {
		log.Printf("%s", out)
	}
}

func name(dir string) string {
	fodder := []string{"car", "house", "food", "cat", "monkey", "bird", "yellow",
		"blue", "fast", "sky", "table", "pen", "round", "book", "towel", "hair",
		"laugh", "airplane", "bannana", "tape", "round"}
	s := ""
	for {
		s += fodder[rng.Intn(len(fodder))]
		if _, ok := createdFiles[s]; !ok {
			break
		}
		s += "_"
	}
	createdFiles[s] = true
	return filepath.Join(dir, s)
}

func update(dir string) error {
	filesLeftToCreate := 20
	dirsLeftToCreate := 5
	log.Printf("Updating %s", dir)

	return filepath.Walk(dir,
		func(path string, stat os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			if stat.IsDir() {
				dirsToCreate := 0
				for i := 0; i < dirsLeftToCreate; i++ {
					if rng.Intn(nDirs) == 0 {
						dirsToCreate++
						n := name(path)
						err := os.Mkdir(n, 0700)
						log.Printf("%s: created directory", n)
						if err != nil {
							return err
						}
					}
				}
				nDirs += dirsToCreate
				dirsLeftToCreate -= dirsToCreate

				filesToCreate := 0
				for i := 0; i < filesLeftToCreate; i++ {
					if rng.Intn(nDirs) == 0 {
						filesToCreate++
						n := name(path)
						f, err := os.Create(n)
						if err != nil {
							return err
						}
						newlen := expSize()
						buf := make([]byte, newlen)
						_, _ = rng.Read(buf)
						_, _ = io.Copy(f, bytes.NewReader(buf))
						f.Close()
						log.Printf("%s: created file. length %d", n, newlen)
					}
				}
				filesLeftToCreate -= filesToCreate
				return nil
			}

			if randBool() {
				// Advance the modified time.  Don't go into the future.
				for {
					ms := rng.Intn(10000)
					t := stat.ModTime().Add(time.Duration(ms) * time.Millisecond)
					if t.Before(time.Now()) {
						err := os.Chtimes(path, t, t)
						if err != nil {
							return err
						}
						log.Printf("%s: advanced modification time to %s", path, t.String())
						break
					}
				}
			}

			if randBool() {
				f, err := os.OpenFile(path, os.O_WRONLY, 0666)
				if err != nil {
					return err
				}
				defer f.Close()

				// seek somewhere and write some stuff
				offset := int64(0)
				if stat.Size() > 0 {
					offset = rng.Int63n(stat.Size())
				}

				b := make([]byte, expSize())
				_, _ = rng.Read(b)
				_, err = f.WriteAt(b, offset)
				log.Printf("%s: wrote %d bytes at offset %d", path, len(b), offset)
				if err != nil {
					return err
				}

				if randBool() && stat.Size() > 0 {
					// truncate it as well
					sz := rng.Int63n(stat.Size())
					err := f.Truncate(int64(sz))
					if err != nil {
						return err
					}
					log.Printf("%s: truncated at %d", path, sz)
				}
			}

			return nil
		})
}

func backup(src, dest, compression string, randomlyKill bool) error {
	log.Printf("Starting backup")
	for {
		cmd := "snapsafe backup -s " + src + " -d " + dest + " -c " + compression
		var out []byte
		var err error
		if randomlyKill {
			out, err = runButPossiblyKill(cmd)
		} else {
			out, err = runCommand(cmd)
		}

		if err == errKilled {
			continue
		}
		if err != nil && bytes.Contains(out, []byte("no file changes")) {
			log.Printf("Nothing changed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w\n%s", err, out)
		}
		return nil
	}
}

func restore(dest, dir string) error {
	log.Printf("Starting restore")

	if err := os.RemoveAll(dir); err != nil {
		log.Fatal(err)
	}

	out, err := runCommand("snapsafe restore -n 1 --origin " + dest + " -o " + dir)
	if err != nil {
		return fmt.Errorf("%w\n%s", err, out)
	}
	return nil
}

// compare checks that every file under patha has a counterpart under
// pathb with the same contents and modification time, and vice versa.
// Directories aren't compared, since empty ones aren't backed up.
func compare(patha, pathb string) error {
	mismatches := 0
	seen := make(map[string]bool)
	err := filepath.Walk(patha,
		func(pa string, stata os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}
			if stata.IsDir() {
				return nil
			}

			rest := pa[len(patha):]
			pb := filepath.Join(pathb, rest)
			seen[pb] = true

			statb, err := os.Stat(pb)
			if os.IsNotExist(err) {
				log.Printf("%s: not found\n", pb)
				mismatches++
				return nil
			}

			if !stata.ModTime().Equal(statb.ModTime()) {
				log.Printf("%s: mod time %s mismatches "+
					"%s mod time %s\n", pa, stata.ModTime().String(),
					pb, statb.ModTime().String())
				mismatches++
			}

			if stata.Size() != statb.Size() {
				log.Printf("%s: size %d mismatches "+
					"%s size %d\n", pa, stata.Size(), pb, statb.Size())
				mismatches++
				return nil
			}

			a, err := os.ReadFile(pa)
			if err != nil {
				return err
			}
			b, err := os.ReadFile(pb)
			if err != nil {
				return err
			}
			if !bytes.Equal(a, b) {
				log.Printf("%s and %s differ", pa, pb)
				mismatches++
			}
			return nil
		})
	if err != nil {
		return err
	}

	err = filepath.Walk(pathb, func(pb string, st os.FileInfo, err error) error {
		if err == nil && !st.IsDir() && !seen[pb] {
			log.Printf("%s: unexpected file in restore", pb)
			mismatches++
		}
		return err
	})
	if err != nil {
		return err
	} else if mismatches > 0 {
		return fmt.Errorf("%d file mismatches", mismatches)
	}
	return nil
}
