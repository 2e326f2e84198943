/*
Copyright © 2026 nullpath

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nullpath/hvkern"
	"github.com/nullpath/hvkern/hostmem"
	"github.com/nullpath/hvkern/kernel"
	"github.com/nullpath/hvkern/mem"
	"github.com/nullpath/hvkern/sched"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().IntP("mem-size", "m", 64, "Arena size in MiB")
	simulateCmd.Flags().IntP("cpus", "c", 2, "Logical CPU count")
	simulateCmd.Flags().IntP("vessels", "n", 4, "Vessels to create")
	simulateCmd.Flags().IntP("ticks", "t", 100, "Timer ticks to drive per CPU")
	simulateCmd.Flags().String("pmm", "buddy", "Frame allocator: buddy or bump")
	simulateCmd.Flags().Bool("json", false, "Print final metrics as JSON")
}

var simulateCmd = &cobra.Command{
	Use:     "simulate",
	Aliases: []string{"sim"},
	Short:   "Boot the kernel core on a host-backed arena and drive it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !hostmem.Supported() {
			return fmt.Errorf("host memory backing not supported on this platform")
		}

		memMiB, _ := cmd.Flags().GetInt("mem-size")
		cpus, _ := cmd.Flags().GetInt("cpus")
		vessels, _ := cmd.Flags().GetInt("vessels")
		ticks, _ := cmd.Flags().GetInt("ticks")
		pmmName, _ := cmd.Flags().GetString("pmm")
		asJSON, _ := cmd.Flags().GetBool("json")

		var algo kernel.PMMAlgorithm
		switch pmmName {
		case "buddy":
			algo = kernel.PMMBuddy
		case "bump":
			algo = kernel.PMMBump
		default:
			return fmt.Errorf("unknown pmm %q (want buddy or bump)", pmmName)
		}

		const base mem.PhysAddr = 16 * 1024 * 1024
		arena, err := hostmem.NewArena(base, mem.Size(memMiB)*mem.MiB)
		if err != nil {
			return err
		}
		defer arena.Close()

		hvkern.ResetMetrics()
		k, err := kernel.New(kernel.Config{
			MemoryMap: arena.MemoryMap(),
			CPUs:      cpus,
			PMM:       algo,
		})
		if err != nil {
			return err
		}
		defer k.Close()

		for i := 0; i < vessels; i++ {
			name := fmt.Sprintf("guest-%d", i)
			if _, err := k.CreateVessel(name, sched.NoAffinity, nil); err != nil {
				return fmt.Errorf("create %s: %w", name, err)
			}
		}

		// Heap churn alongside the tick loop so the metrics show all three
		// subsystems working.
		var live []mem.PhysAddr
		for tick := 0; tick < ticks; tick++ {
			for i := 0; i < k.Scheduler().NumCPU(); i++ {
				k.Scheduler().CPU(i).Tick()
			}
			addr, err := k.Heap().Alloc(mem.Size(16 << (tick % 6)))
			if err != nil {
				return fmt.Errorf("heap alloc on tick %d: %w", tick, err)
			}
			live = append(live, addr)
			if len(live) > 32 && algo == kernel.PMMBuddy {
				if err := k.Heap().Free(live[0]); err != nil {
					return fmt.Errorf("heap free on tick %d: %w", tick, err)
				}
				live = live[1:]
			}
		}

		m := hvkern.GetMetrics()
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		}

		fmt.Printf("arena: %d MiB at 0x%x, pmm: %s, cpus: %d\n", memMiB, uint64(base), pmmName, cpus)
		fmt.Printf("frame allocs/frees: %d/%d (splits %d, merges %d, oom %d)\n",
			m.FrameAllocs, m.FrameFrees, m.FrameSplits, m.FrameMerges, m.OOMEvents)
		fmt.Printf("slab allocs/frees:  %d/%d (grows %d, reaps %d)\n",
			m.SlabAllocs, m.SlabFrees, m.CacheGrows, m.CacheReaps)
		fmt.Printf("scheduler:          %d switches, %d preemptions, %d wakeups\n",
			m.ContextSwitches, m.Preemptions, m.Wakeups)
		fmt.Printf("free frames:        %d\n", k.PMM().FreeFrames())
		return nil
	},
}
