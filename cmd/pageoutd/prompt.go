// Copyright 2021 Intel Corporation. All Rights Reserved.
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

// This file implements prompt for pageoutd testability.

//go:build linux
// +build linux

package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sort"
	"strings"

	"github.com/vmreclaim/pageoutd/pkg/pageout"
)

type Cmd struct {
	description string
	Run         func([]string) commandStatus
}

type Prompt struct {
	r    *bufio.Reader
	w    *bufio.Writer
	f    *flag.FlagSet
	ctx  *pageout.PageoutCtx
	cmds map[string]Cmd
	ps1  string
	echo bool
	quit bool
}

type commandStatus int

const (
	csOk commandStatus = iota
	csErr
)

func NewPrompt(ps1 string, reader *bufio.Reader, writer *bufio.Writer, ctx *pageout.PageoutCtx) *Prompt {
	p := Prompt{
		r:   reader,
		w:   writer,
		ps1: ps1,
		ctx: ctx,
	}
	p.cmds = map[string]Cmd{
		"q":          {"quit interactive prompt.", p.cmdQuit},
		"stats":      {"print kstat-equivalent counters.", p.cmdStats},
		"thresholds": {"print current derived thresholds.", p.cmdThresholds},
		"config":     {"get/set tunables as JSON.", p.cmdConfig},
		"dopageout":  {"print the pageout kill switch; does not change it.", p.cmdDopageout},
		"help":       {"print help.", p.cmdHelp},
		"nop":        {"no operation.", p.cmdNop},
	}
	return &p
}

func (p *Prompt) output(format string, a ...interface{}) {
	if p.w == nil {
		return
	}
	p.w.WriteString(fmt.Sprintf(format, a...))
	p.w.Flush()
}

func (p *Prompt) Interact() {
	logger := log.New(p.w, "", log.Ltime|log.Lmicroseconds)
	pageout.SetLogger(logger)
	for !p.quit {
		p.output(p.ps1)
		rawcmd, err := p.r.ReadString(byte('\n'))
		if err != nil {
			p.output("quit: %s\n", err)
			break
		}
		if p.echo {
			p.output("%s", rawcmd)
		}
		origOutputWriter := p.w
		pipeCmd := ""
		pipeIndex := strings.Index(rawcmd, "|")
		if pipeIndex > -1 {
			pipeCmd = rawcmd[pipeIndex+1:]
			rawcmd = rawcmd[:pipeIndex]
		}
		cmdSlice := strings.Split(strings.TrimSpace(rawcmd), " ")
		if len(cmdSlice) == 0 {
			continue
		}
		if cmdSlice[0] == "" {
			cmdSlice[0] = "nop"
		}
		p.f = flag.NewFlagSet(cmdSlice[0], flag.ContinueOnError)
		if cmd, ok := p.cmds[cmdSlice[0]]; ok {
			var pipeProcess *exec.Cmd
			var pipeInput io.WriteCloser
			if pipeCmd != "" {
				var err error
				pipeProcess = exec.Command("sh", "-c", pipeCmd)
				pipeInput, err = pipeProcess.StdinPipe()
				if err != nil {
					p.output("failed to create pipe for command %q", pipeCmd)
					continue
				}
				pipeProcess.Stdout = origOutputWriter
				pipeProcess.Stderr = origOutputWriter
				if err := pipeProcess.Start(); err != nil {
					p.w = origOutputWriter
					p.output("failed to start: sh -c %q: %s", pipeCmd, err)
					pipeInput.Close()
					continue
				}
				p.w = bufio.NewWriter(pipeInput)
				logger.SetOutput(p.w)
			}
			cmd.Run(cmdSlice[1:])
			if pipeCmd != "" {
				p.w.Flush()
				pipeInput.Close()
				pipeProcess.Wait()
				p.w = origOutputWriter
				logger.SetOutput(origOutputWriter)
			}
		} else if len(cmdSlice[0]) > 0 {
			p.output("unknown command %q\n", cmdSlice[0])
		}
	}
	p.output("quit.\n")
}

func (p *Prompt) SetEcho(newEcho bool) { p.echo = newEcho }

func sortedStringKeys(m map[string]Cmd) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Prompt) cmdNop(args []string) commandStatus { return csOk }

func (p *Prompt) cmdHelp(args []string) commandStatus {
	p.output("Available commands:\n")
	for _, name := range sortedStringKeys(p.cmds) {
		p.output("        %-12s %s\n", name, p.cmds[name].description)
	}
	p.output("Syntax:\n")
	p.output("        <command> -h show help on command options.\n")
	p.output("        [command] | <shell-command>\n")
	p.output("                     pipe command output to shell-command.\n")
	return csOk
}

func (p *Prompt) cmdStats(args []string) commandStatus {
	p.output(p.ctx.Stats().Dump() + "\n")
	return csOk
}

func (p *Prompt) cmdThresholds(args []string) commandStatus {
	th := p.ctx.Thresholds()
	p.output("lotsfree=%d desfree=%d minfree=%d throttlefree=%d pageout_reserve=%d maxpgio=%d "+
		"fastscan=%d slowscan=%d handspreadpages=%d scanners=%d\n",
		th.Lotsfree, th.Desfree, th.Minfree, th.Throttlefree, th.PageoutReserve, th.Maxpgio,
		th.Fastscan, th.Slowscan, th.Handspreadpages, p.ctx.CurrentScanners())
	return csOk
}

func (p *Prompt) cmdConfig(args []string) commandStatus {
	set := p.f.String("set", "", "reconfigure tunables with JSON string")
	dump := p.f.Bool("dump", false, "dump current tunables")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *set != "" {
		var t pageout.Tunables
		if err := t.SetConfigJson(*set); err != nil {
			p.output("config error: %v\n", err)
			return csOk
		}
		if err := p.ctx.SetTunables(t); err != nil {
			p.output("config error: %v\n", err)
			return csOk
		}
	}
	if *dump {
		p.output("%s\n", p.ctx.Tunables().GetConfigJson())
	}
	return csOk
}

func (p *Prompt) cmdDopageout(args []string) commandStatus {
	p.output("dopageout=%v\n", p.ctx.Dopageout())
	return csOk
}

func (p *Prompt) cmdQuit(args []string) commandStatus {
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	p.quit = true
	return csOk
}
