package main

import (
	"github.com/joho/godotenv"

	"collabiq/adapter/in/cli"
)

// version is stamped at build time: -ldflags "-X main.version=v1.2.3"
var version = "dev"

func main() {
	// .env는 로컬 개발 편의용이다. 없으면 프로세스 환경 변수를 그대로 쓴다.
	_ = godotenv.Load()

	cli.Execute(version)
}
