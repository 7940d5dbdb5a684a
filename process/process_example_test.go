package process

import (
	"fmt"
	"log"
	"net"
	"os/exec"
	"time"
)

func ExampleExec() {
	proc, err := Exec(exec.Command("cat"), Config{})
	if err != nil {
		log.Fatalln(err)
	}
	defer proc.Close()

	err = proc.WriteLine([]byte("AAAAAAAA\x16\x10\x40"))
	if err != nil {
		log.Fatalln(err)
	}

	line, err := proc.ReadLine()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Printf("%q\n", line)

	// Output: "AAAAAAAA\x16\x10@\n"
}

func ExampleExecPTY() {
	proc, err := ExecPTY(exec.Command("./vuln"), Config{})
	if err != nil {
		log.Fatalln(err)
	}
	defer proc.Close()

	banner, err := proc.Clean(time.Second)
	if err != nil {
		log.Fatalln(err)
	}

	log.Printf("banner: %s", banner)
}

func ExampleDial() {
	proc, err := Dial("tcp4", "192.168.1.2:8080", Config{})
	if err != nil {
		log.Fatalln(err)
	}
	defer proc.Close()

	proc.WriteLine([]byte("hello world"))
}

func ExampleProcess_ReadUntil() {
	proc := DialOrExit("tcp", "192.168.1.2:1337", Config{})
	defer proc.Close()

	greeting := proc.ReadUntilOrExit([]byte("name: "))
	log.Printf("greeting: %s", greeting)

	proc.WriteLineOrExit([]byte("%p.%p.%p"))
	log.Printf("stack: %s", proc.ReadLineOrExit())
}

func ExampleFromNamedPipes() {
	proc, err := FromNamedPipes("/path/to/input.fifo", "/path/to/output.fifo", Config{})
	if err != nil {
		log.Fatalln(err)
	}
	defer proc.Close()

	proc.Write([]byte("hello world"))
}

func ExampleFromIO() {
	sshInput := ExecOrExit(exec.Command("ssh", "target", "--", "cat", ">", "/tmp/in.fifo"), Config{})
	sshOutput := ExecOrExit(exec.Command("ssh", "target", "--", "cat", "/tmp/out.fifo"), Config{})

	proc := FromIO(sshInput, sshOutput, Config{})
	defer proc.Close()

	proc.Write([]byte("hello world"))
}

func ExampleProcess_Interactive() {
	c, err := net.Dial("tcp", "192.168.1.2:8080")
	if err != nil {
		log.Fatalln(err)
	}

	proc := FromNetConn(c, Config{})
	defer proc.Close()

	// Anything typed into stdin will be written to the connection.
	err = proc.Interactive()
	if err != nil {
		log.Fatalln(err)
	}
}
