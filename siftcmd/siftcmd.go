// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package siftcmd provides the entry point of bigsift command line
// tools. Main configures a session according to the siftflags flags
// and then invokes the tool's driver code:
//
//	func main() {
//		siftcmd.Main(func(sess *exec.Session, flags *siftflags.Flags, args []string) error {
//			res, err := sess.Run(ctx, flags.Request(args[0]))
//			...
//		})
//	}
package siftcmd

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Exposed on the diagnostic web server.
	"os"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigsift/exec"
	"github.com/grailbio/bigsift/siftflags"
)

// Main parses the (global) flags, starts a session configured by
// them, and invokes the provided func with the session, the flags,
// and the remaining arguments. Main does not return. If the func
// returns an error, it is reported and the process exits with code
// 1; otherwise it exits with code 0.
//
// In worker processes started by the session's executor, Main never
// reaches the func.
func Main(main func(sess *exec.Session, flags *siftflags.Flags, args []string) error) {
	var fl siftflags.Flags
	siftflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(&fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(sess, &fl, flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init starts a session according to the supplied flags.
func Init(fl *siftflags.Flags) (*exec.Session, error) {
	if fl.SystemHelp {
		w := fl.Output()
		fmt.Fprintln(w, siftflags.SystemHelpText)
		fmt.Fprintf(w, "The available systems are: %s\n", strings.Join(siftflags.Providers(), ", "))
		os.Exit(0)
	}
	options, err := fl.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(fl, sess)
	return sess, nil
}

// DisplayStatus arranges for the session's status to be displayed on
// the console and/or a web page, as requested by the flags. The web
// page is served at /debug/status on http.DefaultServeMux, alongside
// the executor's debug handlers.
func DisplayStatus(fl *siftflags.Flags, sess *exec.Session) {
	if fl.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if fl.HTTPAddress.Address == "" {
		return
	}
	sess.HandleDebug(http.DefaultServeMux)
	http.Handle("/debug/status", status.Handler(sess.Status()))
	go func() {
		log.Printf("http status at %s", fl.HTTPAddress.Address)
		if err := http.ListenAndServe(fl.HTTPAddress.Address, nil); err != nil {
			log.Error.Printf("http server at %s: %v", fl.HTTPAddress.Address, err)
		}
	}()
}
